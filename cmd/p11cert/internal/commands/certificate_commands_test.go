package commands

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/github/fakeca"
	"github.com/miekg/pkcs11"
	"github.com/niclabs/p11cert"
	"github.com/niclabs/p11cert/internal/softtoken"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	module     *softtoken.Module
	configPath string
	dir        string
}

func setupTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	m := softtoken.New()
	m.AddToken(0, "TCBHSM", "0001", "1234")
	m.AddToken(1, "OTHER", "0002", "1234")
	config := fmt.Sprintf(`
criptoki:
  modulepath: softtoken
  tokenlabel: TCBHSM
  pin: "1234"
  databasetype: sqlite3
sqlite3:
  path: %s
`, filepath.Join(dir, "inventory.db"))
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0600))
	return &testEnv{module: m, configPath: configPath, dir: dir}
}

func (env *testEnv) run(t *testing.T, args ...string) (string, error) {
	rootCmd := &cobra.Command{Use: "p11cert", SilenceUsage: true, SilenceErrors: true}
	InitCertificateCommands(rootCmd, NewCertificateCommandHandler(func(string) p11cert.Module {
		return env.module
	}))
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func (env *testEnv) writeCert(t *testing.T, cn string, asPEM bool) string {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := fakeca.New(fakeca.Subject(pkix.Name{CommonName: cn}), fakeca.PrivateKey(key)).Certificate
	data := cert.Raw
	if asPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	path := filepath.Join(env.dir, cn+".crt")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestStoreAndFind(t *testing.T) {
	env := setupTestEnv(t)

	out, err := env.run(t, "store", "--cert", env.writeCert(t, "signer", true), "--label", "token-cert", "--id", "0xAA")
	require.NoError(t, err)
	assert.Contains(t, out, "id=aa")
	assert.Contains(t, out, `label="token-cert"`)

	out, err = env.run(t, "find", "--id", "aa")
	require.NoError(t, err)
	assert.Contains(t, out, `label="token-cert"`)
	assert.Contains(t, out, "CN=signer")

	_, err = env.run(t, "find", "--id", "bb")
	assert.Error(t, err)
}

func TestStoreDER(t *testing.T) {
	env := setupTestEnv(t)
	out, err := env.run(t, "store", "--cert", env.writeCert(t, "der", false), "--gen-id")
	require.NoError(t, err)
	assert.Contains(t, out, "label=-")
	assert.Len(t, env.module.Templates(), 1)
}

func TestStoreInvalidArguments(t *testing.T) {
	env := setupTestEnv(t)
	certPath := env.writeCert(t, "x", true)

	_, err := env.run(t, "store", "--cert", certPath, "--id", "01", "--gen-id")
	assert.Error(t, err)
	_, err = env.run(t, "store", "--cert", certPath, "--id", "zz")
	assert.Error(t, err)
	_, err = env.run(t, "store", "--cert", filepath.Join(env.dir, "missing.crt"))
	assert.Error(t, err)
	_, err = env.run(t, "store")
	assert.Error(t, err)
	assert.Empty(t, env.module.Templates())
}

func TestListOnOtherToken(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.run(t, "--token", "OTHER", "store", "--cert", env.writeCert(t, "other", true), "--id", "02")
	require.NoError(t, err)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = env.run(t, "--token", "OTHER", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "id=02")

	_, err = env.run(t, "--token", "MISSING", "list")
	assert.ErrorIs(t, err, p11cert.ErrTokenNotFound)
}

func TestListSaveAndOffline(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.run(t, "store", "--cert", env.writeCert(t, "a", true), "--label", "a", "--id", "01")
	require.NoError(t, err)

	out, err := env.run(t, "list", "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "saved inventory")

	env.module.FailOn("Initialize", pkcs11.Error(pkcs11.CKR_DEVICE_ERROR))
	calls := env.module.Calls("Initialize")
	out, err = env.run(t, "list", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, `id=01 label="a"`)
	assert.Equal(t, calls, env.module.Calls("Initialize"))

	_, err = env.run(t, "list")
	assert.Error(t, err)
}

func TestRemoveAndReload(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.run(t, "store", "--cert", env.writeCert(t, "a", true), "--label", "a", "--id", "01")
	require.NoError(t, err)

	out, err := env.run(t, "reload", "--id", "01")
	require.NoError(t, err)
	assert.Contains(t, out, "id=01")

	out, err = env.run(t, "remove", "--id", "01")
	require.NoError(t, err)
	assert.Contains(t, out, "removed object")
	assert.Equal(t, 0, env.module.ObjectCount(0))

	_, err = env.run(t, "remove", "--id", "01")
	assert.Error(t, err)
}

func TestDecodeID(t *testing.T) {
	id, err := decodeID("0xAABB")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, id)

	for _, s := range []string{"", "0x", "abc", "xyz"} {
		_, err := decodeID(s)
		assert.Error(t, err, s)
	}
	_, err = decodeID(fmt.Sprintf("%0512x", 1))
	assert.Error(t, err)
}
