package directory

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"estate-credits/pkg/errutil"
	"estate-credits/services/credit"
	"estate-credits/services/entitlement"
	"estate-credits/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node})
	svc.now = func() time.Time { return testNow }
	return svc
}

func seedOwner(t *testing.T, svc *Service, typ credit.OwnerType, id, tier string) {
	t.Helper()
	require.NoError(t, svc.UpsertOwner(context.Background(), &Owner{
		ID: id, Type: typ, Name: id, Tier: tier, BaseTier: tier, Active: true,
	}))
}

func TestOwnerExists(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerUser, "u1", "FREE_USER")
	require.NoError(t, svc.UpsertOwner(ctx, &Owner{ID: "u2", Type: credit.OwnerUser, Active: false}))

	ok, err := svc.OwnerExists(ctx, credit.User("u1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.OwnerExists(ctx, credit.Agency("u1"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.OwnerExists(ctx, credit.User("u2"))
	require.NoError(t, err)
	require.False(t, ok, "inactive owners do not resolve")
}

func TestUpsertOwnerRejectsInvalid(t *testing.T) {
	svc := newTestService(t)

	err := svc.UpsertOwner(context.Background(), &Owner{ID: "", Type: credit.OwnerUser})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestActiveAgentsInJoinOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerAgency, "a1", "AGENCY_BASIC")
	for _, id := range []string{"u1", "u2", "u3"} {
		seedOwner(t, svc, credit.OwnerUser, id, "FREE_USER")
	}

	require.NoError(t, svc.AddMember(ctx, "a1", "u2", testNow.Add(-3*time.Hour)))
	require.NoError(t, svc.AddMember(ctx, "a1", "u3", testNow.Add(-2*time.Hour)))
	require.NoError(t, svc.AddMember(ctx, "a1", "u1", testNow.Add(-1*time.Hour)))

	agents, err := svc.ActiveAgents(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2", "u3", "u1"}, agents)

	require.NoError(t, svc.RemoveMember(ctx, "a1", "u3"))
	agents, err = svc.ActiveAgents(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2", "u1"}, agents)

	// rejoining reactivates the original membership
	require.NoError(t, svc.AddMember(ctx, "a1", "u3", testNow))
	agents, err = svc.ActiveAgents(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2", "u3", "u1"}, agents)

	err = svc.AddMember(ctx, "a1", "ghost", testNow)
	require.ErrorIs(t, err, credit.ErrOwnerNotFound)

	ids, err := svc.ListAgencyIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids)
}

func TestActivateWindow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerUser, "u1", "FREE_USER")
	require.NoError(t, svc.UpsertListing(ctx, &Listing{ID: "l1", OwnerType: credit.OwnerUser, OwnerID: "u1", Active: true}))

	target := entitlement.Target{Type: entitlement.TargetListing, ID: "l1"}
	long := testNow.Add(30 * 24 * time.Hour)
	short := testNow.Add(7 * 24 * time.Hour)

	require.NoError(t, svc.ActivateWindow(ctx, target, "urgent_tag", long, "URGENT_TAG"))
	require.NoError(t, svc.ActivateWindow(ctx, target, "urgent_tag", short, "URGENT_TAG"))

	windows, err := svc.ActiveWindows(ctx, target)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.True(t, windows[0].Until.Equal(long), "a running window is never shortened")

	ok, err := svc.WindowActive(ctx, target, "urgent_tag")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.WindowActive(ctx, target, "top_positioning")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestActivateWindowUnknownTarget(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, target := range []entitlement.Target{
		{Type: entitlement.TargetListing, ID: "missing"},
		{Type: entitlement.TargetProfile, ID: "missing"},
		{Type: entitlement.TargetAgency, ID: "missing"},
		{Type: entitlement.TargetOwner, ID: "not-an-owner"},
	} {
		err := svc.ActivateWindow(ctx, target, "urgent_tag", testNow.Add(time.Hour), "X")
		require.ErrorIs(t, err, entitlement.ErrTargetNotFound, target.ID)
		require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
	}
}

func TestOwnerWindowActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerAgency, "a1", "AGENCY_BASIC")

	owner := credit.Agency("a1")
	target := entitlement.Target{Type: entitlement.TargetOwner, ID: owner.String()}
	require.NoError(t, svc.ActivateWindow(ctx, target, "extra_listing_slot", testNow.Add(time.Hour), "EXTRA_LISTING_SLOT"))

	ok, err := svc.OwnerWindowActive(ctx, owner, "extra_listing_slot")
	require.NoError(t, err)
	require.True(t, ok)

	svc.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	ok, err = svc.OwnerWindowActive(ctx, owner, "extra_listing_slot")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAssignTierExpires(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerUser, "u1", "FREE_USER")
	owner := credit.User("u1")

	require.NoError(t, svc.AssignTier(ctx, owner, "PREMIUM_USER", testNow.Add(24*time.Hour)))

	tier, err := svc.CurrentTier(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "PREMIUM_USER", tier)

	svc.now = func() time.Time { return testNow.Add(25 * time.Hour) }
	tier, err = svc.CurrentTier(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "FREE_USER", tier)

	require.NoError(t, svc.SetTier(ctx, owner, "BASIC_USER"))
	tier, err = svc.CurrentTier(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "BASIC_USER", tier)

	_, err = svc.CurrentTier(ctx, credit.User("ghost"))
	require.ErrorIs(t, err, credit.ErrOwnerNotFound)

	err = svc.AssignTier(ctx, credit.User("ghost"), "BASIC_USER", time.Time{})
	require.ErrorIs(t, err, entitlement.ErrTargetNotFound)
}

func TestUsageCounts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedOwner(t, svc, credit.OwnerUser, "u1", "FREE_USER")
	owner := credit.User("u1")

	for _, l := range []*Listing{
		{ID: "l1", OwnerType: credit.OwnerUser, OwnerID: "u1", ImageCount: 4, Active: true},
		{ID: "l2", OwnerType: credit.OwnerUser, OwnerID: "u1", ImageCount: 6, Active: true},
		{ID: "l3", OwnerType: credit.OwnerUser, OwnerID: "u1", ImageCount: 9, Active: false},
		{ID: "l4", OwnerType: credit.OwnerUser, OwnerID: "u2", ImageCount: 9, Active: true},
	} {
		require.NoError(t, svc.UpsertListing(ctx, l))
	}

	n, err := svc.CountActiveListings(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	images, err := svc.CountImages(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(10), images)

	featured := entitlement.FeaturedListingFeatures()
	for _, f := range featured {
		require.NoError(t, svc.ActivateWindow(ctx, entitlement.Target{Type: entitlement.TargetListing, ID: "l1"}, f, testNow.Add(time.Hour), "X"))
	}

	n, err = svc.CountFeaturedListings(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	images, err = svc.CountImages(ctx, credit.Agency("nobody"))
	require.NoError(t, err)
	require.Zero(t, images)
}
