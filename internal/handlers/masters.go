// masters.go
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
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/store"
	"github.com/localnerve/menusync/internal/types"
	"github.com/localnerve/menusync/internal/utils"
)

// MasterHandler handles master menu authoring routes
type MasterHandler struct {
	Menus      *services.MenuService
	Branches   *services.BranchService
	Reconciler *reconcile.Reconciler
}

// CommitRequest is an authored change batch
type CommitRequest struct {
	ChangeType      string         `json:"change_type" validate:"required,max=64"`
	Summary         string         `json:"summary" validate:"max=1024"`
	Changes         menu.ChangeSet `json:"changes" validate:"required,min=1"`
	ExpectedVersion *types.Version `json:"expected_version,omitempty"`
}

// CommitStateRequest is the desired master menu
type CommitStateRequest struct {
	State           *menu.State    `json:"state" validate:"required"`
	ChangeType      string         `json:"change_type" validate:"max=64"`
	Summary         string         `json:"summary" validate:"max=1024"`
	ExpectedVersion *types.Version `json:"expected_version,omitempty"`
}

// RevertRequest names the version to restore
type RevertRequest struct {
	ToVersion *types.Version `json:"to_version" validate:"required"`
}

// SubscribeRequest subscribes one or many locations
type SubscribeRequest struct {
	LocationID types.OneOrMany[string] `json:"location_id" validate:"required,min=1,dive,required,max=64"`
	SyncMode   models.SyncMode         `json:"sync_mode" validate:"omitempty,oneof=auto manual disabled"`
}

// PolicyResponse is a stored policy with the entries that fall back to manual
type PolicyResponse struct {
	Policy   policy.Policy `json:"policy"`
	Problems []string      `json:"problems,omitempty"`
}

// VersionView is one entry of the master menu history
type VersionView struct {
	Version     types.Version  `json:"version"`
	ChangeType  string         `json:"change_type"`
	Summary     string         `json:"summary,omitempty"`
	Changes     menu.ChangeSet `json:"changes"`
	HasSnapshot bool           `json:"has_snapshot"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// CreateMasterMenu handles POST /api/masters
// @Summary Create a master menu
// @Description Create an empty master menu at version 0 for a franchise
// @Tags Masters
// @Accept json
// @Produce json
// @Param body body services.CreateMasterMenuInput true "Master menu"
// @Success 201 {object} models.MasterMenu
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 409 {object} utils.ErrorResponseStruct
// @Router /masters [post]
// @Security CookieAuth
func (h *MasterHandler) CreateMasterMenu(c *fiber.Ctx) error {
	var in services.CreateMasterMenuInput
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err, "createMasterMenu")
	}
	mm, problems, err := h.Menus.CreateMasterMenu(c.UserContext(), in)
	if err != nil {
		return respondError(c, err, "createMasterMenu")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"master_menu": mm,
		"problems":    problemStrings(problems),
	})
}

// ListMasterMenus handles GET /api/masters?franchise=...
// @Summary List master menus
// @Tags Masters
// @Produce json
// @Param franchise query string false "Franchise ID"
// @Success 200 {array} models.MasterMenu
// @Router /masters [get]
// @Security CookieAuth
func (h *MasterHandler) ListMasterMenus(c *fiber.Ctx) error {
	menus, err := h.Menus.ListMasterMenus(c.UserContext(), c.Query("franchise"))
	if err != nil {
		return respondError(c, err, "listMasterMenus")
	}
	return c.Status(fiber.StatusOK).JSON(menus)
}

// GetMasterMenu handles GET /api/masters/:id
// @Summary Get a master menu
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Success 200 {object} models.MasterMenu
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /masters/{id} [get]
// @Security CookieAuth
func (h *MasterHandler) GetMasterMenu(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "getMasterMenu")
	}
	mm, err := h.Menus.GetMasterMenu(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "getMasterMenu")
	}
	return c.Status(fiber.StatusOK).JSON(mm)
}

// GetState handles GET /api/masters/:id/state?version=N
// @Summary Read the master menu at a version
// @Description Materializes the master menu from the nearest snapshot and the versions after it
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Param version query int false "Version, current when omitted"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /masters/{id}/state [get]
// @Security CookieAuth
func (h *MasterHandler) GetState(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "getState")
	}
	version, err := queryVersion(c, "version")
	if err != nil {
		return respondError(c, err, "getState")
	}
	v, state, err := h.Menus.StateAt(c.UserContext(), id, version)
	if err != nil {
		return respondError(c, err, "getState")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"version": types.Version(v),
		"state":   state,
	})
}

// ListVersions handles GET /api/masters/:id/versions?from=&to=
// @Summary List master menu versions
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Param from query int false "Exclusive lower bound"
// @Param to query int false "Inclusive upper bound, current when omitted"
// @Success 200 {array} VersionView
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /masters/{id}/versions [get]
// @Security CookieAuth
func (h *MasterHandler) ListVersions(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "listVersions")
	}
	from, err := queryVersion(c, "from")
	if err != nil {
		return respondError(c, err, "listVersions")
	}
	to, err := queryVersion(c, "to")
	if err != nil {
		return respondError(c, err, "listVersions")
	}
	var fromV, toV uint64
	if from != nil {
		fromV = *from
	}
	if to != nil {
		toV = *to
	}

	versions, err := h.Menus.History(c.UserContext(), id, fromV, toV)
	if err != nil {
		return respondError(c, err, "listVersions")
	}
	out := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, viewVersion(v))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// Commit handles POST /api/masters/:id/versions
// @Summary Commit a change batch
// @Description Appends the changes as the next version. With expected_version the commit fails with E_VERSION when the master moved.
// @Tags Masters
// @Accept json
// @Produce json
// @Param id path int true "Master menu ID"
// @Param body body CommitRequest true "Changes"
// @Success 200 {object} utils.CommitResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 409 {object} utils.ErrorResponseStruct
// @Router /masters/{id}/versions [post]
// @Security CookieAuth
func (h *MasterHandler) Commit(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "commit")
	}
	var req CommitRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "commit")
	}
	version, err := h.Menus.Commit(c.UserContext(), store.CommitInput{
		MasterMenuID:    id,
		ChangeType:      req.ChangeType,
		Summary:         req.Summary,
		Changes:         req.Changes,
		Actor:           actor(c),
		ExpectedVersion: req.ExpectedVersion.Ptr(),
	})
	if err != nil {
		return respondError(c, err, "commit")
	}
	return utils.CommitSuccessResponse(c, version)
}

// CommitState handles PUT /api/masters/:id/state
// @Summary Commit a full menu
// @Description Diffs the posted menu against the current master and commits the difference
// @Tags Masters
// @Accept json
// @Produce json
// @Param id path int true "Master menu ID"
// @Param body body CommitStateRequest true "Menu"
// @Success 200 {object} utils.CommitResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Failure 409 {object} utils.ErrorResponseStruct
// @Router /masters/{id}/state [put]
// @Security CookieAuth
func (h *MasterHandler) CommitState(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "commitState")
	}
	var req CommitStateRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "commitState")
	}
	version, err := h.Menus.CommitState(c.UserContext(), services.CommitStateInput{
		MasterMenuID:    id,
		ExpectedVersion: req.ExpectedVersion.Ptr(),
		State:           req.State,
		ChangeType:      req.ChangeType,
		Summary:         req.Summary,
		Actor:           actor(c),
	})
	if err != nil {
		return respondError(c, err, "commitState")
	}
	return utils.CommitSuccessResponse(c, version)
}

// Revert handles POST /api/masters/:id/revert
// @Summary Revert the master menu
// @Description Commits a new version that restores an earlier one
// @Tags Masters
// @Accept json
// @Produce json
// @Param id path int true "Master menu ID"
// @Param body body RevertRequest true "Target version"
// @Success 200 {object} utils.CommitResponseStruct
// @Failure 400 {object} utils.ErrorResponseStruct
// @Router /masters/{id}/revert [post]
// @Security CookieAuth
func (h *MasterHandler) Revert(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "revert")
	}
	var req RevertRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "revert")
	}
	version, err := h.Menus.RevertMaster(c.UserContext(), id, uint64(*req.ToVersion), actor(c))
	if err != nil {
		return respondError(c, err, "revert")
	}
	return utils.CommitSuccessResponse(c, version)
}

// GetPolicy handles GET /api/masters/:id/policy
// @Summary Get the sync policy
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Success 200 {object} PolicyResponse
// @Router /masters/{id}/policy [get]
// @Security CookieAuth
func (h *MasterHandler) GetPolicy(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "getPolicy")
	}
	pol, err := h.Menus.Policy(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "getPolicy")
	}
	return c.Status(fiber.StatusOK).JSON(PolicyResponse{Policy: pol, Problems: problemStrings(pol.Validate())})
}

// SetPolicy handles PUT /api/masters/:id/policy
// @Summary Replace the sync policy
// @Description Unknown kinds, fields or buckets are stored and reported; they classify as manual
// @Tags Masters
// @Accept json
// @Produce json
// @Param id path int true "Master menu ID"
// @Param body body policy.Policy true "Policy"
// @Success 200 {object} PolicyResponse
// @Router /masters/{id}/policy [put]
// @Security CookieAuth
func (h *MasterHandler) SetPolicy(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "setPolicy")
	}
	var pol policy.Policy
	if err := parseBody(c, &pol); err != nil {
		return respondError(c, err, "setPolicy")
	}
	problems, err := h.Menus.SetPolicy(c.UserContext(), id, pol)
	if err != nil {
		return respondError(c, err, "setPolicy")
	}
	return c.Status(fiber.StatusOK).JSON(PolicyResponse{Policy: pol, Problems: problemStrings(problems)})
}

// ListBranches handles GET /api/masters/:id/branches
// @Summary List subscribed branches
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Success 200 {array} models.BranchMenuSync
// @Router /masters/{id}/branches [get]
// @Security CookieAuth
func (h *MasterHandler) ListBranches(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "listBranches")
	}
	branches, err := h.Branches.ListBranches(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, "listBranches")
	}
	return c.Status(fiber.StatusOK).JSON(branches)
}

// Subscribe handles POST /api/masters/:id/branches
// @Summary Subscribe locations
// @Description Creates the branch cursor of each location at version 0; existing cursors are returned unchanged
// @Tags Masters
// @Accept json
// @Produce json
// @Param id path int true "Master menu ID"
// @Param body body SubscribeRequest true "Locations"
// @Success 200 {array} models.BranchMenuSync
// @Router /masters/{id}/branches [post]
// @Security CookieAuth
func (h *MasterHandler) Subscribe(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "subscribe")
	}
	var req SubscribeRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err, "subscribe")
	}
	out := make([]*models.BranchMenuSync, 0, len(req.LocationID))
	for _, loc := range req.LocationID {
		bs, err := h.Branches.Subscribe(c.UserContext(), loc, id, req.SyncMode)
		if err != nil {
			return respondError(c, err, "subscribe")
		}
		out = append(out, bs)
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// Sweep handles POST /api/masters/:id/sweep
// @Summary Reconcile every branch
// @Description Brings every subscribed branch to the current version; busy and disabled branches are reported per branch
// @Tags Masters
// @Produce json
// @Param id path int true "Master menu ID"
// @Success 200 {array} reconcile.SweepResult
// @Router /masters/{id}/sweep [post]
// @Security CookieAuth
func (h *MasterHandler) Sweep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err, "sweep")
	}
	if _, err := h.Menus.GetMasterMenu(c.UserContext(), id); err != nil {
		return respondError(c, err, "sweep")
	}
	results, err := h.Reconciler.Sweep(c.UserContext(), id, actor(c))
	if err != nil {
		return respondError(c, err, "sweep")
	}
	return c.Status(fiber.StatusOK).JSON(results)
}

func viewVersion(v store.Version) VersionView {
	return VersionView{
		Version:     types.Version(v.Number),
		ChangeType:  v.ChangeType,
		Summary:     v.Summary,
		Changes:     v.Changes,
		HasSnapshot: v.Snapshot != nil,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func problemStrings(problems []policy.Problem) []string {
	if len(problems) == 0 {
		return nil
	}
	out := make([]string, len(problems))
	for i, p := range problems {
		out[i] = p.String()
	}
	return out
}
