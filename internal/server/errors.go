package server

import (
	"errors"
	"net/http"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/danmuck/beaconctl/internal/upgrade"
	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrProxyNotFound),
		errors.Is(err, ledger.ErrBeaconNotFound),
		errors.Is(err, logic.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, logic.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, logic.ErrInvalidArgument),
		errors.Is(err, logic.ErrInvalidOwner),
		errors.Is(err, logic.ErrIndexOutOfRange),
		errors.Is(err, proxy.ErrInvalidCall),
		errors.Is(err, identity.ErrInvalidAddress),
		errors.Is(err, upgrade.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrAlreadyInitialized),
		errors.Is(err, logic.ErrAlreadyMigrated),
		errors.Is(err, logic.ErrNotMigrated),
		errors.Is(err, logic.ErrUnderflow),
		errors.Is(err, logic.ErrOverflow):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  logic.Kind(err),
	})
}
