package admission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/extractord/internal/store"
)

func TestAdmit_SameCaseIDRejectsWhileInFlight(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}, RunID: "RUN1"}))

	err := c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "other"}, RunID: "RUN2"})
	require.Error(t, err)
}

func TestAdmit_GlobalScopeConflictsWithEverything(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{}, RunID: "RUN1"}))

	err := c.Admit(ActiveRun{CaseID: "EXTRACT", Scope: Scope{Tenant: "acme"}, RunID: "RUN2"})
	require.Error(t, err)
}

func TestAdmit_DisjointPairsDoNotConflict(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{
		CaseID: "SYNC",
		Scope:  Scope{Pairs: []store.BrandPurchaserPair{{Brand: "acme", Purchaser: "p1"}}},
		RunID:  "RUN1",
	}))

	err := c.Admit(ActiveRun{
		CaseID: "EXTRACT",
		Scope:  Scope{Pairs: []store.BrandPurchaserPair{{Brand: "acme", Purchaser: "p2"}}},
		RunID:  "RUN2",
	})
	require.NoError(t, err)
}

func TestAdmit_OverlappingPairsConflict(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{
		CaseID: "SYNC",
		Scope:  Scope{Pairs: []store.BrandPurchaserPair{{Brand: "acme", Purchaser: "p1"}}},
		RunID:  "RUN1",
	}))

	err := c.Admit(ActiveRun{
		CaseID: "EXTRACT",
		Scope:  Scope{Pairs: []store.BrandPurchaserPair{{Brand: "acme", Purchaser: "p1"}}},
		RunID:  "RUN2",
	})
	require.Error(t, err)
}

func TestAdmit_SameTenantNoPurchaserConflicts(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}, RunID: "RUN1"}))

	// No purchaser on the admitted run means it spans the whole tenant.
	err := c.Admit(ActiveRun{CaseID: "EXTRACT", Scope: Scope{Tenant: "acme", Purchaser: "p1"}, RunID: "RUN2"})
	require.Error(t, err)
}

func TestAdmit_DifferentTenantsDoNotConflict(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme", Purchaser: "p1"}, RunID: "RUN1"}))

	err := c.Admit(ActiveRun{CaseID: "EXTRACT", Scope: Scope{Tenant: "other", Purchaser: "p1"}, RunID: "RUN2"})
	require.NoError(t, err)
}

func TestRelease_AllowsReadmission(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}, RunID: "RUN1"}))
	c.Release("SYNC")

	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}, RunID: "RUN2"}))
}

func TestOverlaps_ReportsConflictWithoutMutating(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}, Origin: store.OriginManual, RunID: "RUN1"}))

	conflict, found := c.Overlaps(Scope{Tenant: "acme"})
	require.True(t, found)
	require.Equal(t, "RUN1", conflict.RunID)

	require.Len(t, c.Active(), 1, "Overlaps must not register anything")
}

func TestSetRunID_PatchesAfterAdmission(t *testing.T) {
	c := New()
	require.NoError(t, c.Admit(ActiveRun{CaseID: "SYNC", Scope: Scope{Tenant: "acme"}}))
	c.SetRunID("SYNC", "RUN7")

	active := c.Active()
	require.Len(t, active, 1)
	require.Equal(t, "RUN7", active[0].RunID)
}
