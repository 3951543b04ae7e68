package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGetStringFromFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "jwt_secret")
	assert.NoError(t, os.WriteFile(secret, []byte("from-file\n"), 0o600))

	t.Setenv("JWT_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("JWT_SECRET", "default"))

	t.Setenv("JWT_SECRET_FILE", secret)
	assert.Equal(t, "from-file", GetStringFromFile("JWT_SECRET", "default"))
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("CALL_GRACE_PERIOD", "90s")
	t.Setenv("CALL_MAX_GROUP_MEMBERS", "not-a-number")
	t.Setenv("REDIS_ENABLED", "true")

	assert.Equal(t, 90*time.Second, GetDuration("CALL_GRACE_PERIOD", time.Minute))
	assert.Equal(t, 10, GetInt("CALL_MAX_GROUP_MEMBERS", 10))
	assert.True(t, GetBool("REDIS_ENABLED", false))
	assert.Equal(t, "fallback", GetString("UNSET_VARIABLE_FOR_TEST", "fallback"))
}

func TestGetStringSlice(t *testing.T) {
	t.Setenv("AGENT_STUN_SERVERS", " stun:a:3478, ,stun:b:3478 ")
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, GetStringSlice("AGENT_STUN_SERVERS", nil))

	t.Setenv("AGENT_STUN_SERVERS", " , ")
	assert.Equal(t, []string{"x"}, GetStringSlice("AGENT_STUN_SERVERS", []string{"x"}))
}

func TestGetUUID(t *testing.T) {
	id := uuid.New()
	t.Setenv("AGENT_USER_ID", id.String())
	assert.Equal(t, id, GetUUID("AGENT_USER_ID"))

	t.Setenv("AGENT_USER_ID", "nope")
	assert.Equal(t, uuid.Nil, GetUUID("AGENT_USER_ID"))
}
