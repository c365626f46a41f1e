package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"metabigor/internal/session"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `[Credentials]
fofa = alice@example.com:hunter2
shodan = bob:pa:ss

[Cookies]
fofa = None
shodan = old-polito
`

func TestReadStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	store, err := Open(path)
	require.NoError(t, err)

	require.Equal(t, "", store.Token("fofa"))
	require.Equal(t, "old-polito", store.Token("shodan"))
	require.Equal(t, "", store.Token("censys"))

	creds, err := store.Credentials("fofa")
	require.NoError(t, err)
	require.Equal(t, session.Credentials{Username: "alice@example.com", Password: "hunter2"}, creds)

	// only the first colon separates user from password
	creds, err = store.Credentials("shodan")
	require.NoError(t, err)
	require.Equal(t, "pa:ss", creds.Password)

	_, err = store.Credentials("censys")
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestSaveTokenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveToken("shodan", "new-polito"))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "new-polito", reopened.Token("shodan"))

	creds, err := reopened.Credentials("fofa")
	require.NoError(t, err)
	require.Equal(t, "hunter2", creds.Password)
}

func TestMissingFileIsCreatedOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.conf")

	store, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "", store.Token("zoomeye"))

	require.NoError(t, store.SaveToken("zoomeye", "jwt"))
	_, err = os.Stat(path)
	require.NoError(t, err)
}
