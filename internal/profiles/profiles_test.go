package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"etwpipe/internal/config"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsAreValid(t *testing.T) {
	s := Builtin()
	require.NotEmpty(t, s.Names())
	for _, name := range s.Names() {
		t.Run(name, func(t *testing.T) {
			p, err := s.Lookup(name)
			require.NoError(t, err)
			assert.NoError(t, p.Validate())
		})
	}
}

func TestBuiltinDiskIO(t *testing.T) {
	p, err := Builtin().Lookup("disk_io")
	require.NoError(t, err)

	cfgs, err := p.ProviderConfigs()
	require.NoError(t, err)
	require.Len(t, cfgs, 3)
	assert.Equal(t, provider.KernelProcessGUID, cfgs[0].GUID)
	assert.Equal(t, uint64(0x10), cfgs[0].MatchAnyKeyword)
	assert.Equal(t, provider.KernelFileGUID, cfgs[2].GUID)
	assert.Equal(t, []uint16{12, 14, 15, 16, 26}, cfgs[2].EventIDs)

	cat, err := p.Categories()
	require.NoError(t, err)
	assert.Zero(t, cat)
}

func TestLookup(t *testing.T) {
	s := Builtin()

	p, err := s.Lookup("NETWORK")
	require.NoError(t, err)
	assert.Equal(t, "network", p.Name)
	cat, err := p.Categories()
	require.NoError(t, err)
	assert.Equal(t, provider.KernelNetwork, cat)

	_, err = s.Lookup("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, err, etwerr.ErrInvalidConfig)
}

func TestMergeCombinesDuplicates(t *testing.T) {
	cfgs, err := Merge([]config.ProviderConfig{
		{Name: "dns", Level: "info", KeywordsAny: "0x1", EventIDs: []uint16{3008, 3006}},
		{Name: "process"},
		{Name: "Microsoft-Windows-DNS-Client", Level: "warning", KeywordsAny: "0x4", EventIDs: []uint16{3006, 3020}},
	})
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	dns := cfgs[0]
	assert.Equal(t, provider.DNSClientGUID, dns.GUID)
	assert.Equal(t, provider.LevelInfo, dns.Level)
	assert.Equal(t, uint64(0x5), dns.MatchAnyKeyword)
	assert.Equal(t, []uint16{3006, 3008, 3020}, dns.EventIDs)
	assert.Equal(t, provider.KernelProcessGUID, cfgs[1].GUID)
}

func TestMergeAllIDsWins(t *testing.T) {
	cfgs, err := Merge([]config.ProviderConfig{
		{Name: "dns", EventIDs: []uint16{1}},
		{Name: "dns"},
	})
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Empty(t, cfgs[0].EventIDs)
}

func TestMergeRejectsBadEntries(t *testing.T) {
	_, err := Merge([]config.ProviderConfig{{Name: "not-a-provider"}})
	assert.ErrorIs(t, err, etwerr.ErrInvalidConfig)
}

const profileYAML = `
profiles:
  web:
    description: outbound lookups
    providers:
      - name: dns
        level: info
      - guid: "{2f07e2ee-15db-40f1-90ef-9d7ba282188a}"
        keywords_any: "0x10"
    kernel: [network]
  network:
    kernel: [network, process]
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(profileYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"network", "web"}, s.Names())

	web, err := s.Lookup("web")
	require.NoError(t, err)
	assert.Equal(t, "outbound lookups", web.Description)
	cfgs, err := web.ProviderConfigs()
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, provider.TCPIPGUID, cfgs[1].GUID)
	assert.Equal(t, uint64(0x10), cfgs[1].MatchAnyKeyword)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":    "profiles:\n  x:\n    kernal: [process]\n",
		"empty profile":    "profiles:\n  x:\n    description: nothing\n",
		"bad category":     "profiles:\n  x:\n    kernel: [teleport]\n",
		"bad provider":     "profiles:\n  x:\n    providers:\n      - name: nope\n",
		"malformed":        "profiles: [",
		"bad keyword mask": "profiles:\n  x:\n    providers:\n      - name: dns\n        keywords_any: zz\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, etwerr.ErrInvalidConfig)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Names())
}

func TestLoadOverlaysBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, s.Names(), "disk_io")
	assert.Contains(t, s.Names(), "web")

	// The file's network profile replaces the built-in one.
	p, err := s.Lookup("network")
	require.NoError(t, err)
	assert.Empty(t, p.Providers)
	cat, err := p.Categories()
	require.NoError(t, err)
	assert.Equal(t, provider.KernelNetwork|provider.KernelProcess, cat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	s, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Builtin().Names(), s.Names())
}
