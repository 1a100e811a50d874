package transfer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal/domain"
	"mediafetch/internal/downloader"
)

type sentUnit struct {
	channelID string
	fileName  string
	payload   []byte
	caption   string
	part      int
	total     int
}

type fakeSink struct {
	sent       []sentUnit
	failPart   int // fail every attempt for this part, 0 disables
	flaky      int // fail the first attempt of this part once
	cancelPart int // report a cancelled context on this part
}

func (f *fakeSink) Deliver(ctx context.Context, channelID, fileName string, payload []byte, caption string, part, total int) error {
	if f.cancelPart != 0 && part == f.cancelPart {
		return context.Canceled
	}
	if f.failPart != 0 && part == f.failPart {
		return errors.New("channel rejected part")
	}
	if f.flaky != 0 && part == f.flaky {
		f.flaky = 0
		return errors.New("broken pipe")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, sentUnit{channelID, fileName, buf, caption, part, total})
	return nil
}

type fakeLedger struct {
	delivered []int64
	failed    map[int64]domain.FailureReason
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failed: make(map[int64]domain.FailureReason)}
}

func (f *fakeLedger) MarkDelivered(ctx context.Context, rec *domain.DownloadRecord) error {
	f.delivered = append(f.delivered, rec.ID)
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, rec *domain.DownloadRecord, reason domain.FailureReason) error {
	f.failed[rec.ID] = reason
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTransfer(fs afero.Fs, sink Sink, ledger Ledger, limit int64) *Transfer {
	return New(Config{
		SizeLimit:    limit,
		PauseBetween: 0,
		Retry: downloader.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}, fs, sink, ledger, testLogger())
}

func testSite() *domain.Site {
	return &domain.Site{ID: 1, URL: "https://files.example.com/", Name: "Example", Channel: "chan-1", Folder: "example"}
}

func testRecord(id int64, name string) *domain.DownloadRecord {
	return &domain.DownloadRecord{
		ID:           id,
		FileName:     name,
		FileType:     "mp4",
		Status:       domain.StatusDownloaded,
		Channel:      "chan-1",
		DiscoveredAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestDeliver_SingleUnitUnderLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/a.mp4", []byte("small payload"), 0o644))

	sink := &fakeSink{}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	err := tr.Deliver(context.Background(), testSite(), testRecord(1, "a.mp4"), "data/a.mp4")

	require.NoError(t, err)
	require.Len(t, sink.sent, 1)

	unit := sink.sent[0]
	assert.Equal(t, "chan-1", unit.channelID)
	assert.Equal(t, "a.mp4", unit.fileName, "single unit keeps the original name")
	assert.Equal(t, []byte("small payload"), unit.payload)
	assert.Equal(t, 1, unit.part)
	assert.Equal(t, 1, unit.total)
	assert.Contains(t, unit.caption, "a.mp4")
	assert.Contains(t, unit.caption, "Example")
	assert.Contains(t, unit.caption, "2026-03-14")
	assert.NotContains(t, unit.caption, "part")

	assert.Equal(t, []int64{1}, ledger.delivered)

	gone, err := afero.Exists(fs, "data/a.mp4")
	require.NoError(t, err)
	assert.False(t, gone, "delivered file must be removed")
}

func TestDeliver_SplitsIntoOrderedParts(t *testing.T) {
	// 230 bytes against a 100-byte limit: parts of 100, 100 and 30.
	content := bytes.Repeat([]byte("x"), 230)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/big.mp4", content, 0o644))

	sink := &fakeSink{}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	err := tr.Deliver(context.Background(), testSite(), testRecord(2, "big.mp4"), "data/big.mp4")

	require.NoError(t, err)
	require.Len(t, sink.sent, 3)

	var reassembled []byte
	for i, unit := range sink.sent {
		assert.Equal(t, i+1, unit.part)
		assert.Equal(t, 3, unit.total)
		assert.Contains(t, unit.caption, "(part")
		reassembled = append(reassembled, unit.payload...)
	}
	assert.Equal(t, "big.mp4.part01", sink.sent[0].fileName)
	assert.Equal(t, "big.mp4.part02", sink.sent[1].fileName)
	assert.Equal(t, "big.mp4.part03", sink.sent[2].fileName)
	assert.Len(t, sink.sent[0].payload, 100)
	assert.Len(t, sink.sent[1].payload, 100)
	assert.Len(t, sink.sent[2].payload, 30)
	assert.Equal(t, content, reassembled, "concatenated parts must reproduce the file")

	assert.Equal(t, []int64{2}, ledger.delivered)
}

func TestDeliver_ExactMultipleOfLimit(t *testing.T) {
	content := bytes.Repeat([]byte("y"), 200)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/even.mp4", content, 0o644))

	sink := &fakeSink{}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	err := tr.Deliver(context.Background(), testSite(), testRecord(3, "even.mp4"), "data/even.mp4")

	require.NoError(t, err)
	require.Len(t, sink.sent, 2)
	assert.Len(t, sink.sent[0].payload, 100)
	assert.Len(t, sink.sent[1].payload, 100)
}

func TestDeliver_PartFailureFailsWholeItem(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 230)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/big.mp4", content, 0o644))

	sink := &fakeSink{failPart: 2}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	rec := testRecord(4, "big.mp4")
	err := tr.Deliver(context.Background(), testSite(), rec, "data/big.mp4")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 2 of 3")

	assert.Empty(t, ledger.delivered)
	assert.Equal(t, domain.ReasonDeliveryFailed, ledger.failed[rec.ID])

	kept, ferr := afero.Exists(fs, "data/big.mp4")
	require.NoError(t, ferr)
	assert.True(t, kept, "failed delivery keeps the local file for recovery")
}

func TestDeliver_CancellationKeepsRecordDownloaded(t *testing.T) {
	content := bytes.Repeat([]byte("v"), 230)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/big.mp4", content, 0o644))

	// Shutdown hits between parts: the stop must not read as a delivery
	// failure, so the record keeps its downloaded state for a later run.
	sink := &fakeSink{cancelPart: 2}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	rec := testRecord(7, "big.mp4")
	err := tr.Deliver(context.Background(), testSite(), rec, "data/big.mp4")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, ledger.delivered)
	assert.Empty(t, ledger.failed, "a cancelled delivery must not mark the record failed")

	kept, ferr := afero.Exists(fs, "data/big.mp4")
	require.NoError(t, ferr)
	assert.True(t, kept)
}

func TestDeliver_TransientPartErrorRetried(t *testing.T) {
	content := bytes.Repeat([]byte("w"), 150)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/big.mp4", content, 0o644))

	sink := &fakeSink{flaky: 2}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	err := tr.Deliver(context.Background(), testSite(), testRecord(5, "big.mp4"), "data/big.mp4")

	require.NoError(t, err)
	require.Len(t, sink.sent, 2)
	assert.Equal(t, []int64{5}, ledger.delivered)
}

func TestDeliver_MissingLocalFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := &fakeSink{}
	ledger := newFakeLedger()
	tr := newTestTransfer(fs, sink, ledger, 100)

	err := tr.Deliver(context.Background(), testSite(), testRecord(6, "gone.mp4"), "data/gone.mp4")

	require.Error(t, err)
	assert.Empty(t, sink.sent)
	assert.Empty(t, ledger.delivered)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.0 KiB", humanSize(1024))
	assert.Equal(t, "1.5 MiB", humanSize(3*1024*1024/2))
	assert.Equal(t, "2.0 GiB", humanSize(2*1024*1024*1024))
}
