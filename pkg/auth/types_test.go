package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleLevels(t *testing.T) {
	assert.Equal(t, 1, RoleUser.Level())
	assert.Equal(t, 10, RoleViewer.Level())
	assert.Equal(t, 50, RoleAdmin.Level())
	assert.Equal(t, 100, RoleSuperadmin.Level())
	assert.Equal(t, 0, Role("bogus").Level())
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleViewer))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleViewer.AtLeast(RoleAdmin))
	assert.False(t, Role("bogus").AtLeast(RoleUser))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleSuperadmin.Valid())
	assert.False(t, Role("").Valid())
	assert.False(t, Role("root").Valid())
}

func TestUserLocked(t *testing.T) {
	now := time.Now()
	u := &User{}
	assert.False(t, u.Locked(now))

	until := now.Add(10 * time.Minute)
	u.LockedUntil = &until
	assert.True(t, u.Locked(now))
	assert.False(t, u.Locked(now.Add(11*time.Minute)))
}

func TestUserCanManage(t *testing.T) {
	super := &User{ID: 1, Role: RoleSuperadmin}
	admin := &User{ID: 2, Role: RoleAdmin}
	otherAdmin := &User{ID: 3, Role: RoleAdmin}
	viewer := &User{ID: 4, Role: RoleViewer}

	ok, reason := admin.CanManage(admin)
	assert.False(t, ok)
	assert.Equal(t, "cannot modify your own account", reason)

	ok, _ = super.CanManage(admin)
	assert.True(t, ok)
	ok, _ = super.CanManage(&User{ID: 5, Role: RoleSuperadmin})
	assert.True(t, ok)

	ok, _ = admin.CanManage(viewer)
	assert.True(t, ok)

	ok, reason = admin.CanManage(otherAdmin)
	assert.False(t, ok)
	assert.Equal(t, "cannot manage users with equal or higher privileges", reason)

	ok, _ = admin.CanManage(super)
	assert.False(t, ok)
}

func TestUserCanAssignRole(t *testing.T) {
	super := &User{ID: 1, Role: RoleSuperadmin}
	admin := &User{ID: 2, Role: RoleAdmin}
	viewer := &User{ID: 3, Role: RoleViewer}

	ok, _ := super.CanAssignRole(RoleSuperadmin)
	assert.True(t, ok)
	ok, _ = super.CanAssignRole(RoleUser)
	assert.True(t, ok)

	ok, _ = admin.CanAssignRole(RoleViewer)
	assert.True(t, ok)
	ok, _ = admin.CanAssignRole(RoleUser)
	assert.True(t, ok)
	ok, _ = admin.CanAssignRole(RoleAdmin)
	assert.False(t, ok)
	ok, _ = admin.CanAssignRole(RoleSuperadmin)
	assert.False(t, ok)

	ok, _ = viewer.CanAssignRole(RoleUser)
	assert.False(t, ok)
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Now()
	k := &APIKey{}
	assert.False(t, k.Expired(now))

	past := now.Add(-time.Minute)
	k.ExpiresAt = &past
	assert.True(t, k.Expired(now))
}

func TestActor(t *testing.T) {
	human := &Actor{User: &User{ID: 7, Email: "ops@example.com", Role: RoleSuperadmin}, Provider: ProviderLocal}
	assert.False(t, human.IsService())
	assert.Equal(t, RoleSuperadmin.Level(), human.RoleLevel())
	assert.Equal(t, "ops@example.com", human.Email())
	assert.Equal(t, int64(7), human.UserID())

	svc := &Actor{ServiceAccount: &ServiceAccount{ID: 3, Name: "deployer"}}
	assert.True(t, svc.IsService())
	assert.Equal(t, RoleAdmin.Level(), svc.RoleLevel())
	assert.Equal(t, "sa:deployer", svc.Email())
	assert.Equal(t, int64(0), svc.UserID())
}
