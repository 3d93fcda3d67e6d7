// branches.go
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
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/types"
)

// BranchHandler handles branch sync routes
type BranchHandler struct {
	Branches   *services.BranchService
	Reconciler *reconcile.Reconciler
}

// ReconcileRequest triggers a reconciliation run
type ReconcileRequest struct {
	TargetVersion *types.Version `json:"target_version,omitempty"`
	Mode          reconcile.Mode `json:"mode" validate:"omitempty,oneof=auto manual forced"`
}

// RollbackRequest moves a branch to an earlier master version
type RollbackRequest struct {
	ToVersion *types.Version `json:"to_version" validate:"required"`
	Pin       bool           `json:"pin"`
}

// SyncModeRequest changes how a branch receives updates
type SyncModeRequest struct {
	SyncMode models.SyncMode `json:"sync_mode" validate:"required,oneof=auto manual disabled"`
}

// OverrideRequest sets a branch value, a lock, or both
type OverrideRequest struct {
	Field menu.Field      `json:"field" validate:"required,oneof=name description price availability"`
	Value json.RawMessage `json:"value,omitempty"`
	Lock  *bool           `json:"lock,omitempty"`
}

// LockRequest locks or unlocks a whole item
type LockRequest struct {
	Locked bool `json:"locked"`
}

// GetStatus handles GET /api/branches/:id/status
// @Summary Branch sync status
// @Description up_to_date, behind, pending_manual or conflicts, with the last sync log
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Success 200 {object} reconcile.BranchStatus
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /branches/{id}/status [get]
// @Security CookieAuth
func (h *BranchHandler) GetStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "getStatus")
	}
	status, err := h.Reconciler.Status(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "getStatus")
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

// GetMenu handles GET /api/branches/:id/menu
// @Summary Live branch menu
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /branches/{id}/menu [get]
// @Security CookieAuth
func (h *BranchHandler) GetMenu(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "getMenu")
	}
	state, err := h.Branches.Menu(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "getMenu")
	}
	return c.Status(fiber.StatusOK).JSON(state)
}

// SetSyncMode handles PUT /api/branches/:id/mode
// @Summary Change the sync mode
// @Tags Branches
// @Accept json
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param body body SyncModeRequest true "Mode"
// @Success 204
// @Router /branches/{id}/mode [put]
// @Security CookieAuth
func (h *BranchHandler) SetSyncMode(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "setSyncMode")
	}
	var req SyncModeRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "setSyncMode")
	}
	if err := h.Branches.SetSyncMode(c.UserContext(), id, req.SyncMode); err != nil {
		return respondError(c, err, "setSyncMode")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Reconcile handles POST /api/branches/:id/reconcile
// @Summary Reconcile a branch
// @Description Replays master versions after the branch cursor up to the target (current when omitted)
// @Tags Branches
// @Accept json
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param body body ReconcileRequest false "Target and mode"
// @Success 200 {object} LogView
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 409 {object} utils.ErrorResponseStruct
// @Failure 423 {object} utils.ErrorResponseStruct
// @Router /branches/{id}/reconcile [post]
// @Security CookieAuth
func (h *BranchHandler) Reconcile(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "reconcile")
	}
	var req ReconcileRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return respondError(c, err, "reconcile")
		}
	}
	var target uint64
	if p := req.TargetVersion.Ptr(); p != nil {
		target = *p
	}
	l, err := h.Reconciler.Reconcile(c.UserContext(), reconcile.Request{
		BranchSyncID:  id,
		TargetVersion: target,
		Mode:          req.Mode,
		Actor:         actor(c),
	})
	return respondRun(c, l, err, "reconcile")
}

// ApplyPending handles POST /api/branches/:id/pending
// @Summary Apply queued manual changes
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Success 200 {object} LogView
// @Failure 423 {object} utils.ErrorResponseStruct
// @Router /branches/{id}/pending [post]
// @Security CookieAuth
func (h *BranchHandler) ApplyPending(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "applyPending")
	}
	l, err := h.Reconciler.ApplyPending(c.UserContext(), id, actor(c))
	return respondRun(c, l, err, "applyPending")
}

// DiscardPending handles DELETE /api/branches/:id/pending
// @Summary Reject queued manual changes
// @Description The rejected changes are recorded in the sync log
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Success 200 {object} LogView
// @Router /branches/{id}/pending [delete]
// @Security CookieAuth
func (h *BranchHandler) DiscardPending(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "discardPending")
	}
	l, err := h.Reconciler.DiscardPending(c.UserContext(), id, actor(c))
	return respondRun(c, l, err, "discardPending")
}

// Rollback handles POST /api/branches/:id/rollback
// @Summary Roll a branch back
// @Description Rebuilds the branch from the master menu at an earlier version; pin disables further syncing
// @Tags Branches
// @Accept json
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param body body RollbackRequest true "Target version"
// @Success 200 {object} LogView
// @Router /branches/{id}/rollback [post]
// @Security CookieAuth
func (h *BranchHandler) Rollback(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "rollback")
	}
	var req RollbackRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "rollback")
	}
	l, err := h.Reconciler.Rollback(c.UserContext(), reconcile.RollbackRequest{
		BranchSyncID: id,
		ToVersion:    uint64(*req.ToVersion),
		Pin:          req.Pin,
		Actor:        actor(c),
	})
	return respondRun(c, l, err, "rollback")
}

// ListLogs handles GET /api/branches/:id/logs?limit=N
// @Summary Sync log history
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param limit query int false "Maximum rows, 50 when omitted"
// @Success 200 {array} LogView
// @Router /branches/{id}/logs [get]
// @Security CookieAuth
func (h *BranchHandler) ListLogs(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "listLogs")
	}
	logs, err := h.Branches.Logs(c.UserContext(), id, c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err, "listLogs")
	}
	out := make([]*LogView, len(logs))
	for i := range logs {
		out[i] = viewLog(&logs[i])
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// ListOverrides handles GET /api/branches/:id/overrides
// @Summary Branch overrides
// @Tags Branches
// @Produce json
// @Param id path int true "Branch sync ID"
// @Success 200 {object} map[string]models.BranchMenuOverride
// @Router /branches/{id}/overrides [get]
// @Security CookieAuth
func (h *BranchHandler) ListOverrides(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "listOverrides")
	}
	overrides, err := h.Branches.Overrides(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "listOverrides")
	}
	return c.Status(fiber.StatusOK).JSON(overrides)
}

// SetOverride handles PUT /api/branches/:id/overrides/:item
// @Summary Override an item field
// @Description Sets a branch value, locks price or availability against master updates, or both
// @Tags Branches
// @Accept json
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param item path string true "Master item ID"
// @Param body body OverrideRequest true "Override"
// @Success 200 {object} models.BranchMenuOverride
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /branches/{id}/overrides/{item} [put]
// @Security CookieAuth
func (h *BranchHandler) SetOverride(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "setOverride")
	}
	var req OverrideRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "setOverride")
	}
	in := services.OverrideInput{
		BranchSyncID: id,
		ItemID:       c.Params("item"),
		Field:        req.Field,
		Lock:         req.Lock,
	}
	if len(req.Value) > 0 && string(req.Value) != "null" {
		v, err := menu.ParseValue(req.Field, req.Value)
		if err != nil {
			return respondError(c, err, "setOverride")
		}
		in.Value = v
	}
	if in.Value.IsZero() && in.Lock == nil {
		return respondError(c, fiber.NewError(fiber.StatusBadRequest, "value or lock is required"), "setOverride")
	}
	ov, err := h.Branches.SetOverride(c.UserContext(), in)
	if err != nil {
		return respondError(c, err, "setOverride")
	}
	return c.Status(fiber.StatusOK).JSON(ov)
}

// LockItem handles PUT /api/branches/:id/overrides/:item/lock
// @Summary Lock a whole item
// @Tags Branches
// @Accept json
// @Produce json
// @Param id path int true "Branch sync ID"
// @Param item path string true "Master item ID"
// @Param body body LockRequest true "Lock"
// @Success 200 {object} models.BranchMenuOverride
// @Router /branches/{id}/overrides/{item}/lock [put]
// @Security CookieAuth
func (h *BranchHandler) LockItem(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "lockItem")
	}
	var req LockRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "lockItem")
	}
	ov, err := h.Branches.LockItem(c.UserContext(), id, c.Params("item"), req.Locked)
	if err != nil {
		return respondError(c, err, "lockItem")
	}
	if ov.IsEmpty() {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Status(fiber.StatusOK).JSON(ov)
}

// ClearOverrideField handles DELETE /api/branches/:id/overrides/:item/:field
// @Summary Clear one overridden field
// @Description Drops the branch value and lock and restores the master value at the synced version
// @Tags Branches
// @Param id path int true "Branch sync ID"
// @Param item path string true "Master item ID"
// @Param field path string true "Field"
// @Success 204
// @Router /branches/{id}/overrides/{item}/{field} [delete]
// @Security CookieAuth
func (h *BranchHandler) ClearOverrideField(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "clearOverrideField")
	}
	if err := h.Branches.ClearOverrideField(c.UserContext(), id, c.Params("item"), menu.Field(c.Params("field"))); err != nil {
		return respondError(c, err, "clearOverrideField")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ResetToMaster handles DELETE /api/branches/:id/overrides/:item
// @Summary Reset an item to master
// @Tags Branches
// @Param id path int true "Branch sync ID"
// @Param item path string true "Master item ID"
// @Success 204
// @Router /branches/{id}/overrides/{item} [delete]
// @Security CookieAuth
func (h *BranchHandler) ResetToMaster(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "resetToMaster")
	}
	if err := h.Branches.ResetToMaster(c.UserContext(), id, c.Params("item")); err != nil {
		return respondError(c, err, "resetToMaster")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
