package handlers

import "github.com/gofiber/fiber/v2"

// Mount registers the master menu and branch routes on api. Authoring needs
// admin; branch operations need user.
func Mount(api fiber.Router, masters *MasterHandler, branches *BranchHandler, admin, user fiber.Handler) {
	m := api.Group("/masters")
	m.Get("/", admin, masters.ListMasterMenus)
	m.Post("/", admin, masters.CreateMasterMenu)
	m.Get("/:id", admin, masters.GetMasterMenu)
	m.Get("/:id/state", admin, masters.GetState)
	m.Put("/:id/state", admin, masters.CommitState)
	m.Get("/:id/versions", admin, masters.ListVersions)
	m.Post("/:id/versions", admin, masters.Commit)
	m.Post("/:id/revert", admin, masters.Revert)
	m.Get("/:id/policy", admin, masters.GetPolicy)
	m.Put("/:id/policy", admin, masters.SetPolicy)
	m.Get("/:id/branches", admin, masters.ListBranches)
	m.Post("/:id/branches", admin, masters.Subscribe)
	m.Post("/:id/sweep", admin, masters.Sweep)

	b := api.Group("/branches")
	b.Get("/:id/status", user, branches.GetStatus)
	b.Get("/:id/menu", user, branches.GetMenu)
	b.Put("/:id/mode", user, branches.SetSyncMode)
	b.Post("/:id/reconcile", user, branches.Reconcile)
	b.Post("/:id/pending", user, branches.ApplyPending)
	b.Delete("/:id/pending", user, branches.DiscardPending)
	b.Post("/:id/rollback", admin, branches.Rollback)
	b.Get("/:id/logs", user, branches.ListLogs)
	b.Get("/:id/overrides", user, branches.ListOverrides)
	b.Put("/:id/overrides/:item", user, branches.SetOverride)
	b.Put("/:id/overrides/:item/lock", user, branches.LockItem)
	b.Delete("/:id/overrides/:item", user, branches.ResetToMaster)
	b.Delete("/:id/overrides/:item/:field", user, branches.ClearOverrideField)
}
