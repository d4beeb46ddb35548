package packer

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-protector/apk-protector-go/internal/archive"
)

func openFixture(t *testing.T, files map[string][]byte) *archive.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	r, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDetect_NativeLibs(t *testing.T) {
	r := openFixture(t, map[string][]byte{
		"classes.dex":               make([]byte, 200*1024),
		"lib/arm64-v8a/libjiagu.so": []byte("elf"),
	})

	info := NewDetector(nil).Detect(r.Entries(), "com.example.App")
	assert.True(t, info.IsPacked)
	assert.Equal(t, "360加固", info.PackerName)
	assert.Contains(t, info.Indicators, "native_lib:libjiagu.so")
}

func TestDetect_AlreadyProtectedEntryPoint(t *testing.T) {
	r := openFixture(t, map[string][]byte{
		"classes.dex": make([]byte, 200*1024),
	})

	info := NewDetector(nil).Detect(r.Entries(), "com.apkprotector.stub.ProtectedApp")
	assert.True(t, info.IsPacked)
	assert.Equal(t, "APK Protector", info.PackerName)
	assert.Equal(t, PackerTypeDexEncrypt, info.PackerType)
}

func TestDetect_AssetMarkers(t *testing.T) {
	r := openFixture(t, map[string][]byte{
		"classes.dex":                    make([]byte, 200*1024),
		"assets/ijiami.dat":              []byte("x"),
		"assets/ijm_lib/a.so":            []byte("x"),
		"lib/armeabi-v7a/libexecmain.so": []byte("elf"),
	})

	info := NewDetector(nil).Detect(r.Entries(), "com.example.App")
	assert.True(t, info.IsPacked)
	assert.Equal(t, "爱加密", info.PackerName)
	assert.Contains(t, info.Indicators, "asset:assets/ijiami.dat")
	assert.InDelta(t, 1.0, info.Confidence, 1e-9)
}

func TestDetect_AssetAloneBelowThreshold(t *testing.T) {
	r := openFixture(t, map[string][]byte{
		"classes.dex":         make([]byte, 200*1024),
		"assets/payload.pldx": []byte("x"),
	})

	info := NewDetector(nil).Detect(r.Entries(), "com.example.App")
	assert.False(t, info.IsPacked)
}

func TestBuiltinRules_ReturnsCopy(t *testing.T) {
	rules := BuiltinRules()
	rules[0].Name = "changed"
	assert.Equal(t, "APK Protector", BuiltinRules()[0].Name)
}

func TestDetect_Clean(t *testing.T) {
	r := openFixture(t, map[string][]byte{
		"classes.dex":   make([]byte, 200*1024),
		"res/layout.xml": []byte("<x/>"),
	})

	info := NewDetector(nil).Detect(r.Entries(), "com.example.App")
	assert.False(t, info.IsPacked)
	assert.Empty(t, info.Indicators)
	assert.Equal(t, "未检测到加固", Summary(info))
}

func TestMatchLibName(t *testing.T) {
	assert.True(t, matchLibName("libshellx.so", "libshellx-2.10.3.4.so"))
	assert.True(t, matchLibName("libjiagu.so", "libjiagu.so"))
	assert.False(t, matchLibName("libjiagu.so", "libfoo.so"))
}
