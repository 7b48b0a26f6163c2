package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onefoot/iwtftpd/internal/datastore"
	"github.com/onefoot/iwtftpd/internal/wire"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := datastore.Open(dir)
	require.NoError(t, err)
	return NewEngine(store), dir
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAcceptRRQMissingFileSendsError1(t *testing.T) {
	e, _ := newTestEngine(t)
	s, plan, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "missing", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	assert.Nil(t, s)
	got, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.OpERROR, got.Op)
	assert.Equal(t, wire.ErrFileNotFound, got.ErrCode)
}

func TestAcceptWRQExistingFileSendsError6(t *testing.T) {
	e, dir := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0644))

	s, plan, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpWRQ, Filename: "a.bin", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	assert.Nil(t, s)
	got, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrFileExists, got.ErrCode)
}

func TestReadSmallFileEndToEnd(t *testing.T) {
	e, dir := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.txt"), []byte("hello"), 0644))

	s, plan, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "greet.txt", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	require.NotNil(t, s)
	msg, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.OpDATA, msg.Op)
	assert.EqualValues(t, 1, msg.Block)
	assert.Equal(t, "hello", string(msg.Data))
	assert.True(t, s.Fin)

	plan, err = e.Dispatch(s, wire.Message{Op: wire.OpACK, Block: 1}, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, plan.Send)
	assert.True(t, s.Disabled)
}

func TestZeroLengthFileProducesEmptyDataThenCloses(t *testing.T) {
	e, dir := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0644))

	s, plan, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "empty.txt", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	msg, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Empty(t, msg.Data)
	assert.True(t, s.Fin)

	plan, err = e.Dispatch(s, wire.Message{Op: wire.OpACK, Block: 1}, epoch)
	require.NoError(t, err)
	assert.False(t, plan.Send)
	assert.True(t, s.Disabled)
}

func TestExactBlockSizeFileEmitsTrailingEmptyBlock(t *testing.T) {
	e, dir := newTestEngine(t)
	full := make([]byte, 512)
	for i := range full {
		full[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exact.bin"), full, 0644))

	s, plan, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "exact.bin", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	msg, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.Block)
	assert.Len(t, msg.Data, 512)
	assert.False(t, s.Fin)

	plan, err = e.Dispatch(s, wire.Message{Op: wire.OpACK, Block: 1}, epoch)
	require.NoError(t, err)
	msg, err = wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.Block)
	assert.Empty(t, msg.Data)
	assert.True(t, s.Fin)
}

func TestWriteSmallFileEndToEnd(t *testing.T) {
	e, dir := newTestEngine(t)

	s, plan, err := e.Accept("10.0.0.1", 1234, 7, wire.Message{Op: wire.OpWRQ, Filename: "new.txt", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)
	require.NotNil(t, s)
	msg, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.OpACK, msg.Op)
	assert.EqualValues(t, 0, msg.Block)

	plan, err = e.Dispatch(s, wire.Message{Op: wire.OpDATA, Block: 1, Data: []byte("abc")}, epoch)
	require.NoError(t, err)
	msg, err = wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.OpACK, msg.Op)
	assert.EqualValues(t, 1, msg.Block)
	assert.True(t, s.Fin)

	got, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestDuplicateAckRetransmitsThenDisablesAfterRetryCap(t *testing.T) {
	e, dir := newTestEngine(t)
	full := make([]byte, 512)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), full, 0644))

	s, _, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "f.bin", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)

	// ACK(0) is one-less-than-current-block: duplicate of the request send.
	for i := 0; i < ResendCountMax; i++ {
		plan, err := e.Dispatch(s, wire.Message{Op: wire.OpACK, Block: 0}, epoch)
		require.NoError(t, err)
		assert.True(t, plan.Send)
		assert.False(t, s.Disabled)
	}
	plan, err := e.Dispatch(s, wire.Message{Op: wire.OpACK, Block: 0}, epoch)
	require.NoError(t, err)
	assert.False(t, plan.Send)
	assert.True(t, s.Disabled)
}

func TestDataOnReadSessionSendsError4(t *testing.T) {
	e, dir := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), []byte("x"), 0644))
	s, _, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "f.bin", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)

	// Out-of-sequence block number on the write path wouldn't apply to a
	// read session; use a DATA message to a Read-direction session, which
	// the engine rejects as illegal.
	plan, err := e.Dispatch(s, wire.Message{Op: wire.OpDATA, Block: 1, Data: []byte("x")}, epoch)
	require.NoError(t, err)
	got, err := wire.Parse(plan.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrIllegalOp, got.ErrCode)
}

func TestRetransmitSweepHonorsInterval(t *testing.T) {
	e, dir := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 1024), 0644))
	s, _, err := e.Accept("10.0.0.1", 1234, 1, wire.Message{Op: wire.OpRRQ, Filename: "big.bin", Mode: wire.ModeOctet}, epoch)
	require.NoError(t, err)

	plan, disabled := e.Retransmit(s, epoch.Add(time.Second))
	assert.False(t, plan.Send)
	assert.False(t, disabled)

	plan, disabled = e.Retransmit(s, epoch.Add(ResendInterval+time.Second))
	assert.True(t, plan.Send)
	assert.False(t, disabled)
}

func TestShouldCleanup(t *testing.T) {
	s := &Session{Disabled: true}
	assert.True(t, ShouldCleanup(s, epoch))

	finished := &Session{Fin: true, LastSentAt: epoch}
	assert.False(t, ShouldCleanup(finished, epoch.Add(time.Second)))
	assert.True(t, ShouldCleanup(finished, epoch.Add(SessionCloseWait+time.Second)))
}

func TestBlockCounterWrapsPastUint16Max(t *testing.T) {
	s := &Session{Block: 65535}
	assert.EqualValues(t, 0, nextBlock(s.Block))
}
