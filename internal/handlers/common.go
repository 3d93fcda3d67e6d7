// common.go
//
// Master menu version control and branch synchronization service
// Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC
//
// This file is part of menusync.
// menusync is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// menusync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with menusync.
// If not, see <https://www.gnu.org/licenses/>.
// Additional terms under GNU AGPL version 3 section 7:
// a) The reasonable legal notice of original copyright and author attribution must be preserved
//    by including the string: "Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC"
//    in this material, copies, or source code of derived works.

package handlers

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/store"
	"github.com/localnerve/menusync/internal/utils"
)

var validate = validator.New()

// paramID parses a numeric path parameter
func paramID(c *fiber.Ctx, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// queryVersion parses an optional version query parameter
func queryVersion(c *fiber.Ctx, name string) (*uint64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return &v, nil
}

// parseBody decodes and validates a JSON request body
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// actor is the identity the auth middleware stored for the request
func actor(c *fiber.Ctx) string {
	if a, ok := c.Locals("actor").(string); ok {
		return a
	}
	return ""
}

// respondError maps domain errors onto the response format
func respondError(c *fiber.Ctx, err error, errorType string) error {
	var fe *fiber.Error
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &fe):
		return utils.ErrorResponse(c, fe.Message, fe.Code, errorType)
	case errors.Is(err, store.ErrVersionConflict):
		return utils.VersionErrorResponse(c, err.Error())
	case errors.Is(err, lock.ErrBusy):
		return utils.BusyResponse(c, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return utils.NotFoundResponse(c, err.Error())
	case errors.As(err, &verrs),
		errors.Is(err, menu.ErrMalformedChange),
		errors.Is(err, reconcile.ErrInvalidTarget),
		errors.Is(err, services.ErrInvalidVersion),
		errors.Is(err, services.ErrNotOverridable),
		errors.Is(err, services.ErrNoChanges),
		errors.Is(err, store.ErrCursorRegression):
		return utils.ErrorResponse(c, err.Error(), fiber.StatusBadRequest, errorType)
	case errors.Is(err, store.ErrStaleChange),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrCursorAhead),
		errors.Is(err, reconcile.ErrSyncDisabled):
		return utils.ErrorResponse(c, err.Error(), fiber.StatusConflict, errorType)
	}
	return utils.ErrorResponse(c, err.Error(), fiber.StatusInternalServerError, errorType)
}

// LogView is a sync log with its rendered summary
type LogView struct {
	*models.MenuSyncLog
	Summary string `json:"summary"`
}

func viewLog(l *models.MenuSyncLog) *LogView {
	if l == nil {
		return nil
	}
	return &LogView{MenuSyncLog: l, Summary: l.Summary()}
}

// respondRun answers a reconciliation call. A failed run still wrote its log,
// which is returned with the error.
func respondRun(c *fiber.Ctx, l *models.MenuSyncLog, err error, errorType string) error {
	if err == nil {
		return c.Status(fiber.StatusOK).JSON(viewLog(l))
	}
	var failure *reconcile.Failure
	if errors.As(err, &failure) && l != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  fiber.StatusInternalServerError,
			"message": err.Error(),
			"ok":      false,
			"type":    errorType,
			"log":     viewLog(l),
		})
	}
	return respondError(c, err, errorType)
}
