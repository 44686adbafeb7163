package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	turnixsemver "github.com/turnix/turnix/internal/semver"
)

func req(t *testing.T, s string) *turnixsemver.Requirement {
	t.Helper()
	r, err := turnixsemver.ParseRequirement(s)
	require.NoError(t, err)
	return r
}

func TestEnsureDeniesWithoutGrant(t *testing.T) {
	mgr := NewManager()
	err := mgr.Ensure("demo-mod", "chat@1")
	require.Error(t, err)
	require.True(t, IsDenied(err))
}

func TestEnsureAllowsWithinRange(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "^1")})

	require.NoError(t, mgr.Ensure("demo-mod", "chat@1.5.0"))
	err := mgr.Ensure("demo-mod", "chat@2.0.0")
	require.Error(t, err)
	require.True(t, IsDenied(err))
}

func TestEnsureNoVersionOnlyChecksDecision(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "^1")})
	require.NoError(t, mgr.Ensure("demo-mod", "chat"))
}

func TestEnsureDeniedDecision(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Deny, RangeSpec: req(t, "*")})
	require.Error(t, mgr.Ensure("demo-mod", "chat@1.0.0"))
}

func TestEnsureTreatsExpiredGrantAsMissing(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{
		Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "*"),
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	err := mgr.Ensure("demo-mod", "chat@1.0.0")
	require.Error(t, err)

	_, ok := mgr.GetGrant("demo-mod", "chat")
	require.False(t, ok, "expired grant must be dropped on read")
}

func TestEnsureMalformedRequestedVersionTreatedAsNoVersion(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "^1")})
	require.NoError(t, mgr.Ensure("demo-mod", "chat@not-a-version"))
}

func TestDoomLoopHintAfterRepeatedDenials(t *testing.T) {
	mgr := NewManager()
	for i := 0; i < DoomLoopThreshold; i++ {
		_ = mgr.Ensure("demo-mod", "chat@1")
	}
	require.True(t, mgr.DoomLoopHint("demo-mod", "chat"))
}

func TestDoomLoopResetsAfterSuccess(t *testing.T) {
	mgr := NewManager()
	for i := 0; i < DoomLoopThreshold; i++ {
		_ = mgr.Ensure("demo-mod", "chat@1")
	}
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "*")})
	require.NoError(t, mgr.Ensure("demo-mod", "chat@1"))
	require.False(t, mgr.DoomLoopHint("demo-mod", "chat"))
}

func TestRegisterCapabilityRejectsInvalidRange(t *testing.T) {
	mgr := NewManager()
	err := mgr.RegisterCapability("chat", ">1.0 <", "low")
	require.Error(t, err)
}

func TestRevokeGrant(t *testing.T) {
	mgr := NewManager()
	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req(t, "*")})
	mgr.RevokeGrant("demo-mod", "chat")
	_, ok := mgr.GetGrant("demo-mod", "chat")
	require.False(t, ok)
}
