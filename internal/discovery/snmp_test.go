package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/cling/internal/personality"
)

type staticFetcher struct {
	descr string
	err   error
}

func (f staticFetcher) SysDescr(ctx context.Context, host string) (string, error) {
	return f.descr, f.err
}

func TestDiscoverMatchesSignature(t *testing.T) {
	p, descr, err := Discover(context.Background(), staticFetcher{descr: "Arista Networks EOS version 4.22"}, personality.Builtin(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "eos", p.Name)
	assert.Contains(t, descr, "Arista")
}

func TestDiscoverNoMatch(t *testing.T) {
	_, descr, err := Discover(context.Background(), staticFetcher{descr: "Linux build01"}, personality.Builtin(), "10.0.0.1")
	assert.ErrorIs(t, err, personality.ErrNoSignatureMatch)
	assert.Equal(t, "Linux build01", descr)
}

func TestDiscoverFetchError(t *testing.T) {
	boom := errors.New("request timeout")
	_, _, err := Discover(context.Background(), staticFetcher{err: boom}, personality.Builtin(), "10.0.0.1")
	assert.ErrorIs(t, err, boom)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2")
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version2c, v)

	v, err = ParseVersion("1")
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version1, v)

	_, err = ParseVersion("3")
	assert.Error(t, err)
}
