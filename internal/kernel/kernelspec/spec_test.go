package kernelspec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, dir, name, body string) {
	t.Helper()
	kdir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(kdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(kdir, FileName), []byte(body), 0o644))
}

func TestSpecCommand(t *testing.T) {
	spec := Spec{
		Name:        "python3",
		Argv:        []string{"python3", "-m", "ipykernel_launcher", "-f", "{connection_file}", "--dir={resource_dir}"},
		ResourceDir: "/opt/kernels/python3",
	}

	argv := spec.Command("/tmp/kernel-1.json")
	assert.Equal(t, []string{"python3", "-m", "ipykernel_launcher", "-f", "/tmp/kernel-1.json", "--dir=/opt/kernels/python3"}, argv)
	assert.Equal(t, "{connection_file}", spec.Argv[4], "template must not be mutated")
}

func TestSpecEnviron(t *testing.T) {
	spec := Spec{Env: map[string]string{"PYTHONPATH": "/x", "B": "2"}}
	env := spec.Environ([]string{"HOME=/root", "PYTHONPATH=/old"})
	assert.Equal(t, []string{"HOME=/root", "B=2", "PYTHONPATH=/x"}, env)

	plain := Spec{}
	assert.Equal(t, []string{"A=1"}, plain.Environ([]string{"A=1"}))
}

func TestSpecValidate(t *testing.T) {
	assert.ErrorIs(t, Spec{}.Validate(), ErrInvalidSpec)
	assert.ErrorIs(t, Spec{Name: "x"}.Validate(), ErrInvalidSpec)
	assert.NoError(t, Spec{Name: "x", Argv: []string{"x"}}.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "ir", `{"display_name":"R","language":"R","argv":["R","--slave","-f","{connection_file}"]}`)

	spec, err := Load(filepath.Join(dir, "ir", FileName))
	require.NoError(t, err)
	assert.Equal(t, "ir", spec.Name)
	assert.Equal(t, "R", spec.Language)
	assert.Equal(t, filepath.Join(dir, "ir"), spec.ResourceDir)

	writeSpec(t, dir, "broken", `{not json`)
	_, err = Load(filepath.Join(dir, "broken", FileName))
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestDirRegistryPrecedence(t *testing.T) {
	user := t.TempDir()
	system := t.TempDir()
	writeSpec(t, user, "python3", `{"display_name":"Python (user)","language":"python","argv":["python3"]}`)
	writeSpec(t, system, "python3", `{"display_name":"Python (system)","language":"python","argv":["python3"]}`)
	writeSpec(t, system, "julia", `{"display_name":"Julia","language":"julia","argv":["julia"]}`)
	writeSpec(t, system, "bad", `{`)

	reg := NewDirRegistry([]string{user, filepath.Join(user, "missing"), system})
	specs, err := reg.Specs()
	require.NoError(t, err)
	assert.Equal(t, []string{"julia", "python3"}, specs.Names())
	assert.Equal(t, "Python (user)", specs["python3"].DisplayName)

	_, err = reg.Lookup("ruby")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirRegistryCacheAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	reg := NewDirRegistry([]string{dir})

	specs, err := reg.Specs()
	require.NoError(t, err)
	assert.Empty(t, specs)

	writeSpec(t, dir, "python3", `{"language":"python","argv":["python3"]}`)
	specs, err = reg.Specs()
	require.NoError(t, err)
	assert.Empty(t, specs, "cached scan")

	reg.Invalidate()
	spec, err := reg.Lookup("python3")
	require.NoError(t, err)
	assert.Equal(t, "python", spec.Language)
}

func TestDirRegistryWatch(t *testing.T) {
	dir := t.TempDir()
	reg := NewDirRegistry([]string{dir})
	_, err := reg.Specs()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	staging := t.TempDir()
	writeSpec(t, staging, "deno", `{"language":"typescript","argv":["deno","jupyter"]}`)
	require.NoError(t, os.Rename(filepath.Join(staging, "deno"), filepath.Join(dir, "deno")))

	assert.Eventually(t, func() bool {
		_, err := reg.Lookup("deno")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
