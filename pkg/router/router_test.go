package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/nxctx"
)

func TestRouteLongestPrefixWins(t *testing.T) {
	r := New()
	r.Mount(&Mount{Prefix: "/", BackendName: "root"})
	r.Mount(&Mount{Prefix: "/shared/", BackendName: "shared"})

	route, err := r.Route("/shared/doc.txt", nxctx.OpCtx{}, false)
	require.NoError(t, err)
	require.Equal(t, "shared", route.Mount.BackendName)
	require.Equal(t, "doc.txt", route.BackendPath)
}

func TestRouteZoneIsolation(t *testing.T) {
	r := New()
	r.Mount(&Mount{Prefix: "/zoned/", ZoneID: "zone-a"})

	_, err := r.Route("/zoned/x", nxctx.OpCtx{ZoneID: "zone-b"}, false)
	var denied errtypes.AccessDenied
	require.ErrorAs(t, err, &denied)

	_, err = r.Route("/zoned/x", nxctx.OpCtx{ZoneID: "zone-a"}, false)
	require.NoError(t, err)
}

func TestRouteAdminBypassesZoneIsolation(t *testing.T) {
	r := New()
	r.Mount(&Mount{Prefix: "/zoned/", ZoneID: "zone-a"})

	_, err := r.Route("/zoned/x", nxctx.OpCtx{ZoneID: "zone-b", IsAdmin: true}, false)
	require.NoError(t, err)
}

func TestRouteReadOnlyMountStillRoutesOnWriteCheck(t *testing.T) {
	r := New()
	r.Mount(&Mount{Prefix: "/ro/", ReadOnly: true})

	route, err := r.Route("/ro/x", nxctx.OpCtx{}, true)
	require.NoError(t, err)
	require.True(t, route.ReadOnly)
}

func TestRouteNoMountIsAccessDenied(t *testing.T) {
	r := New()
	_, err := r.Route("/nowhere", nxctx.OpCtx{}, false)
	var denied errtypes.AccessDenied
	require.ErrorAs(t, err, &denied)
}
