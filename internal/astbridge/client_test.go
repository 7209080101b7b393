package astbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectDisabledConfigYieldsDisconnectedClient(t *testing.T) {
	c, err := Connect(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.Connected())
}

func TestExtractContextOnDisconnectedClientReturnsErrNotConnected(t *testing.T) {
	c, err := Connect(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	_, err = c.ExtractContext(context.Background(), "package main", []string{"foo"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectRemoteWithoutURLFails(t *testing.T) {
	_, err := Connect(context.Background(), Config{Enabled: true, Kind: TransportRemote})
	assert.Error(t, err)
}

func TestConnectStdioWithoutCommandFails(t *testing.T) {
	_, err := Connect(context.Background(), Config{Enabled: true, Kind: TransportStdio})
	assert.Error(t, err)
}

func TestConnectUnknownKindFails(t *testing.T) {
	_, err := Connect(context.Background(), Config{Enabled: true, Kind: "carrier-pigeon", Command: []string{"noop"}})
	assert.Error(t, err)
}

func TestParseExtractedContextParsesWellFormedJSON(t *testing.T) {
	ec, err := parseExtractedContext(`{"imports":["fmt"],"fields":["count"],"methods":["Run()"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"fmt"}, ec.Imports)
	assert.Equal(t, []string{"count"}, ec.Fields)
	assert.Equal(t, []string{"Run()"}, ec.Methods)
}

func TestParseExtractedContextRejectsMalformedJSON(t *testing.T) {
	_, err := parseExtractedContext("not json")
	assert.Error(t, err)
}

func TestCloseOnNeverConnectedClientIsNoop(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Close())
	assert.False(t, c.Connected())
}
