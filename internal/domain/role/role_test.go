package role

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRolesYAML = `
default_role: USER
roles:
  USER: [read]
  ADMIN: [read, write, catalog:reload]
`

// --- Mock implementations ---

type mockSource struct {
	mapping *Mapping
	err     error
	calls   int
}

func (m *mockSource) Load(_ context.Context) (*Mapping, error) {
	m.calls++
	return m.mapping, m.err
}

func testMapping() *Mapping {
	return &Mapping{
		DefaultRole: "USER",
		Roles: map[string][]string{
			"USER":  {"read"},
			"ADMIN": {"read", "write", "catalog:reload"},
		},
	}
}

// --- Tests ---

func TestMapping_Validate(t *testing.T) {
	require.NoError(t, testMapping().Validate())

	missingDefault := testMapping()
	missingDefault.DefaultRole = "GUEST"
	require.ErrorIs(t, missingDefault.Validate(), ErrUnknownRole)

	blankDefault := testMapping()
	blankDefault.DefaultRole = " "
	require.Error(t, blankDefault.Validate())

	emptyScope := testMapping()
	emptyScope.Roles["USER"] = []string{""}
	require.Error(t, emptyScope.Validate())

	var nilMapping *Mapping
	require.Error(t, nilMapping.Validate())
}

func TestTable_NotLoaded(t *testing.T) {
	tbl := NewTable(&mockSource{})

	_, err := tbl.DefaultRole(context.Background())
	require.ErrorIs(t, err, ErrNotLoaded)

	_, err = tbl.ScopesOf(context.Background(), "USER")
	require.ErrorIs(t, err, ErrNotLoaded)
	assert.False(t, tbl.Loaded())
}

func TestTable_Lookups(t *testing.T) {
	tbl, err := NewStaticTable(testMapping())
	require.NoError(t, err)
	ctx := context.Background()

	def, err := tbl.DefaultRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USER", def)

	scopes, err := tbl.ScopesOf(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write", "catalog:reload"}, scopes)

	// Callers get a copy.
	scopes[0] = "mutated"
	again, err := tbl.ScopesOf(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, "read", again[0])

	_, err = tbl.ScopesOf(ctx, "user")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestTable_ReloadKeepsPreviousOnError(t *testing.T) {
	src := &mockSource{mapping: testMapping()}
	tbl := NewTable(src)
	ctx := context.Background()

	require.NoError(t, tbl.Reload(ctx))
	assert.True(t, tbl.Loaded())

	src.mapping = nil
	src.err = errors.New("disk on fire")
	require.Error(t, tbl.Reload(ctx))

	src.err = nil
	src.mapping = &Mapping{DefaultRole: "MISSING", Roles: map[string][]string{}}
	require.ErrorIs(t, tbl.Reload(ctx), ErrUnknownRole)

	def, err := tbl.DefaultRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USER", def)
	assert.Equal(t, 3, src.calls)
}

func TestTable_ConcurrentReadsDuringReload(t *testing.T) {
	a := testMapping()
	b := &Mapping{
		DefaultRole: "MEMBER",
		Roles:       map[string][]string{"MEMBER": {"read", "comment"}},
	}
	src := &mockSource{mapping: a}
	tbl := NewTable(src)
	ctx := context.Background()
	require.NoError(t, tbl.Reload(ctx))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m := tbl.Snapshot()
				// The default role always belongs to the same snapshot.
				_, ok := m.Roles[m.DefaultRole]
				assert.True(t, ok)
			}
		}()
	}

	for i := range 100 {
		if i%2 == 0 {
			src.mapping = b
		} else {
			src.mapping = a
		}
		require.NoError(t, tbl.Reload(ctx))
	}
	close(stop)
	wg.Wait()
}

func TestUnion(t *testing.T) {
	tbl, err := NewStaticTable(testMapping())
	require.NoError(t, err)
	ctx := context.Background()

	scopes, err := Union(ctx, tbl, []string{"USER", "ADMIN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog:reload", "read", "write"}, scopes)

	scopes, err = Union(ctx, tbl, nil)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	_, err = Union(ctx, tbl, []string{"USER", "GHOST"})
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestParseYAML(t *testing.T) {
	m, err := ParseYAML([]byte(testRolesYAML))
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, "USER", m.DefaultRole)
	assert.Equal(t, []string{"ADMIN", "USER"}, m.Names())

	_, err = ParseYAML([]byte("default_role: USER\nrole: {}\n"))
	require.Error(t, err)

	_, err = ParseYAML([]byte("- a\n- b\n"))
	require.Error(t, err)

	_, err = ParseYAML([]byte(""))
	require.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRolesYAML), 0o600))

	m, err := FileSource(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, m.Roles["USER"])

	_, err = FileSource(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	require.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRolesYAML), 0o600))

	tbl := NewTable(FileSource(path))
	ctx, cancel := context.WithCancel(zctx.Base(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	require.NoError(t, tbl.Reload(ctx))

	done := make(chan error, 1)
	go func() { done <- Watch(ctx, tbl, path) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := "default_role: MEMBER\nroles:\n  MEMBER: [read, comment]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		def, err := tbl.DefaultRole(ctx)
		return err == nil && def == "MEMBER"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPoll_Reloads(t *testing.T) {
	src := &syncSource{mapping: testMapping()}
	tbl := NewTable(src)
	ctx, cancel := context.WithCancel(zctx.Base(context.Background(), zaptest.NewLogger(t)))
	defer cancel()
	require.NoError(t, tbl.Reload(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		Poll(ctx, tbl, 10*time.Millisecond)
	}()

	src.set(&Mapping{DefaultRole: "MEMBER", Roles: map[string][]string{"MEMBER": {"read"}}})
	require.Eventually(t, func() bool {
		def, err := tbl.DefaultRole(ctx)
		return err == nil && def == "MEMBER"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

type syncSource struct {
	mu      sync.Mutex
	mapping *Mapping
}

func (s *syncSource) Load(_ context.Context) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapping, nil
}

func (s *syncSource) set(m *Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = m
}
