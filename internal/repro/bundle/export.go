package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BoozeLee/conduit/internal/common/clock"
	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/common/logger"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/internal/storage"
)

// MetaName is where the last exported or extracted meta is kept inside a
// data directory.
const MetaName = "meta.json"

// ExportOptions configure Export.
type ExportOptions struct {
	DataDir     string
	Mode        Mode
	Compression Compression
	// WorkspaceDir, when set, is a git checkout whose uncommitted changes
	// are captured as workspace.patch.
	WorkspaceDir string
	Clock        clock.Clock
	Logger       *logger.Logger
}

// MetaPath returns the location of the meta file in dataDir.
func MetaPath(dataDir string) string {
	return filepath.Join(dataDir, tape.DirName, MetaName)
}

// Export writes a bundle of opts.DataDir to w. The storage file is copied
// as is: callers must make sure no process is writing to it. Exporting the
// same directory twice yields identical bytes because the bundle id and
// creation time are kept in the data directory's meta file.
func Export(ctx context.Context, w io.Writer, opts ExportOptions) (*Meta, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	if _, err := ParseCompression(string(opts.Compression)); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	log := opts.Logger.WithFields(zap.String("component", "bundle"), zap.String("data_dir", opts.DataDir))

	members := make(map[string][]byte)
	dbPath := filepath.Join(opts.DataDir, storage.FileName)
	db, err := os.ReadFile(dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("storage snapshot", dbPath)
		}
		return nil, fmt.Errorf("read storage: %w", err)
	}
	members[MemberStorage] = db

	meta, err := priorMeta(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID = uuid.New().String()
		meta.CreatedAt = opts.Clock.Now().UTC().Truncate(time.Second)
	}
	meta.Version = FormatVersion
	meta.Mode = opts.Mode
	meta.Compression = opts.Compression
	meta.StorageScrubbed = false
	meta.Notice = StorageNotice

	tapeData, err := os.ReadFile(tape.Path(opts.DataDir))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("no tape in data directory, exporting storage only")
	case err != nil:
		return nil, fmt.Errorf("read tape: %w", err)
	default:
		if opts.Mode == ModeShareable {
			tapeData, meta.Scrubbed = scrubTape(tapeData)
		}
		t, perr := tape.Parse(tapeData)
		if t != nil {
			meta.TapeEntries = len(t.Entries)
		}
		if perr != nil {
			log.Warn("tape is damaged, exporting it unchanged", zap.Error(perr))
		}
		members[MemberTape] = tapeData
	}

	if opts.WorkspaceDir != "" {
		patch, err := workspacePatch(ctx, opts.WorkspaceDir)
		if err != nil {
			return nil, err
		}
		if len(patch) > 0 {
			members[MemberWorkspace] = patch
		}
	}

	if meta.Files, err = describe(ctx, members); err != nil {
		return nil, err
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	metaData = append(metaData, '\n')
	members[MemberMeta] = metaData

	if err := writeArchive(w, members, meta); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(MetaPath(opts.DataDir), metaData); err != nil {
		return nil, fmt.Errorf("keep bundle meta: %w", err)
	}
	log.Info("bundle exported",
		zap.String("bundle_id", meta.ID),
		zap.String("mode", string(meta.Mode)),
		zap.Int("tape_entries", meta.TapeEntries),
		zap.Int("scrubbed", meta.Scrubbed))
	return meta, nil
}

// ExportFile writes the bundle to path, replacing it only once the archive
// is complete.
func ExportFile(ctx context.Context, path string, opts ExportOptions) (*Meta, error) {
	var buf bytes.Buffer
	meta, err := Export(ctx, &buf, opts)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	return meta, nil
}

// priorMeta loads the identity of an earlier export or extraction.
func priorMeta(dataDir string) (*Meta, error) {
	data, err := os.ReadFile(MetaPath(dataDir))
	if errors.Is(err, fs.ErrNotExist) {
		return &Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle meta: %w", err)
	}
	var prior Meta
	if err := json.Unmarshal(data, &prior); err != nil {
		return nil, apperrors.BundleIntegrity(fmt.Sprintf("unreadable %s: %v", MetaPath(dataDir), err))
	}
	return &Meta{ID: prior.ID, CreatedAt: prior.CreatedAt}, nil
}

func describe(ctx context.Context, members map[string][]byte) (map[string]FileInfo, error) {
	names := sortedNames(members)
	infos := make([]FileInfo, len(names))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			data := members[name]
			infos[i] = FileInfo{Size: int64(len(data)), BLAKE3: digest(data)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]FileInfo, len(names))
	for i, name := range names {
		out[name] = infos[i]
	}
	return out, ctx.Err()
}

func writeArchive(w io.Writer, members map[string][]byte, meta *Meta) error {
	zw, err := compressor(w, meta.Compression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	for _, name := range sortedNames(members) {
		data := members[name]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  meta.CreatedAt.Truncate(time.Second),
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write %s header: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close %s stream: %w", meta.Compression, err)
	}
	return nil
}

func sortedNames(members map[string][]byte) []string {
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// workspacePatch captures uncommitted changes of a git checkout, binary
// files included.
func workspacePatch(ctx context.Context, dir string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--binary", "HEAD")
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff in %s: %w: %s", dir, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
