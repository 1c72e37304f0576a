package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/repository"
)

// UserLister is the listing slice of the user repository the admin
// endpoints need.
type UserLister interface {
	List(ctx context.Context, limit, offset int) ([]model.User, error)
}

var _ UserLister = (*repository.UserRepo)(nil)

// UserAdminHandler exposes the thin admin listing. It sits behind the
// ADMIN role gate and the users:read permission check.
type UserAdminHandler struct {
	Users UserLister
}

func NewUserAdminHandler(u UserLister) *UserAdminHandler {
	return &UserAdminHandler{Users: u}
}

type adminUserPart struct {
	ID       uint64 `json:"id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
	Verified bool   `json:"verified"`
}

// ListUsers returns a page of users. Page size is clamped to 1..100.
func (h *UserAdminHandler) ListUsers(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	users, err := h.Users.List(ctx, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list users failed"})
	}
	out := make([]adminUserPart, 0, len(users))
	for _, u := range users {
		out = append(out, adminUserPart{
			ID:       u.ID,
			Email:    u.Email,
			Role:     u.Role,
			Active:   u.IsActive,
			Verified: u.IsVerified,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"users": out, "limit": limit, "offset": offset})
}
