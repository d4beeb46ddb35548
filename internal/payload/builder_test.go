package payload

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

var (
	testSecret = []byte("unit-test-build-secret")
	fixedNow   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func openFixture(t *testing.T, files map[string][]byte, order []string) *archive.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "in.apk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	r, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestIsCodeUnit(t *testing.T) {
	assert.True(t, IsCodeUnit("classes.dex"))
	assert.True(t, IsCodeUnit("classes2.dex"))
	assert.True(t, IsCodeUnit("classes12.dex"))
	assert.False(t, IsCodeUnit("assets/classes.dex"))
	assert.False(t, IsCodeUnit("classes.dex.bak"))
	assert.False(t, IsCodeUnit("classesX.dex"))
}

func TestBuild_MergeOrder(t *testing.T) {
	d1 := dex.Build("035", []byte("primary"))
	d2 := dex.Build("035", []byte("second"))
	d10 := dex.Build("035", []byte("tenth"))
	files := map[string][]byte{
		"classes10.dex":       d10,
		"classes2.dex":        d2,
		"AndroidManifest.xml": []byte("m"),
		"classes.dex":         d1,
	}
	r := openFixture(t, files, []string{"classes10.dex", "classes2.dex", "AndroidManifest.xml", "classes.dex"})

	res, err := Build(r, Options{TrialDays: 14, Secret: testSecret, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	assert.Equal(t, []string{"classes.dex", "classes2.dex", "classes10.dex"}, res.CodeUnits)

	plain, h, err := Open(res.Blob, testSecret, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, res.Header, h)

	parts, err := dex.Split(plain)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{d1, d2, d10}, parts)
}

func TestBuild_NoCodeUnits(t *testing.T) {
	r := openFixture(t, map[string][]byte{"AndroidManifest.xml": []byte("m")}, []string{"AndroidManifest.xml"})
	_, err := Build(r, Options{TrialDays: 14, Secret: testSecret})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProtection))
}

func TestBuild_CorruptDex(t *testing.T) {
	bad := dex.Build("035", []byte("primary"))
	bad[len(bad)-1] ^= 0xff
	r := openFixture(t, map[string][]byte{"classes.dex": bad}, []string{"classes.dex"})

	_, err := Build(r, Options{TrialDays: 14, Secret: testSecret})
	assert.True(t, domain.IsKind(err, domain.KindFormat))
}

func TestSeal_ExpirySemantics(t *testing.T) {
	plain := dex.Build("035", nil)

	h, blob, err := Seal(plain, Options{TrialDays: 14, Secret: testSecret, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Unix()+14*86400, h.ExpireTs)
	assert.False(t, h.Owner())
	assert.Equal(t, uint32(len(plain)), h.OriginalSize)
	assert.Equal(t, uint32(len(blob)-HeaderSize), h.EncryptedSize)

	for _, days := range []int{0, 14, 99999} {
		h, _, err := Seal(plain, Options{Owner: true, TrialDays: days, Secret: testSecret, Now: func() time.Time { return fixedNow }})
		require.NoError(t, err)
		assert.Zero(t, h.ExpireTs)
		assert.True(t, h.Owner())
	}

	_, _, err = Seal(plain, Options{TrialDays: 0, Secret: testSecret})
	assert.True(t, domain.IsKind(err, domain.KindProtection))
	_, _, err = Seal(plain, Options{TrialDays: MaxTrialDays + 1, Secret: testSecret})
	assert.True(t, domain.IsKind(err, domain.KindProtection))
}

func TestSeal_EmptySecret(t *testing.T) {
	_, _, err := Seal([]byte("x"), Options{Owner: true})
	assert.True(t, domain.IsKind(err, domain.KindCrypto))
}

func TestOpen_LoaderContract(t *testing.T) {
	plain := dex.Build("035", []byte("code"))
	_, blob, err := Seal(plain, Options{TrialDays: 1, Secret: testSecret, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)

	// 过期
	_, _, err = Open(blob, testSecret, fixedNow.Add(48*time.Hour))
	assert.True(t, domain.IsKind(err, domain.KindProtection))

	// 错误密钥
	_, _, err = Open(blob, []byte("other"), fixedNow)
	assert.True(t, domain.IsKind(err, domain.KindCrypto))

	// 篡改头部会使认证失败
	tampered := append([]byte(nil), blob...)
	tampered[16] |= byte(FlagOwner)
	_, _, err = Open(tampered, testSecret, fixedNow)
	assert.True(t, domain.IsKind(err, domain.KindCrypto))

	// 截断
	_, _, err = Open(blob[:len(blob)-1], testSecret, fixedNow)
	assert.True(t, domain.IsKind(err, domain.KindFormat))

	got, _, err := Open(blob, testSecret, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a, err := DeriveKey(testSecret, 1, 0, 100)
	require.NoError(t, err)
	b, err := DeriveKey(testSecret, 1, 0, 100)
	require.NoError(t, err)
	c, err := DeriveKey(testSecret, 1, FlagOwner, 100)
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
