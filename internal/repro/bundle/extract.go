package bundle

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/BoozeLee/conduit/internal/common/errors"
	"github.com/BoozeLee/conduit/internal/repro/tape"
	"github.com/BoozeLee/conduit/internal/storage"
)

// maxMemberSize bounds a single archive member.
const maxMemberSize = 4 << 30

var knownMembers = map[string]bool{
	MemberMeta:      true,
	MemberTape:      true,
	MemberStorage:   true,
	MemberWorkspace: true,
}

// Archive is a fully validated bundle held in memory.
type Archive struct {
	Meta    *Meta
	Members map[string][]byte
}

// Read decompresses and validates a bundle without touching the
// filesystem. Every problem with the archive is a BUNDLE_INTEGRITY error.
func Read(r io.Reader) (*Archive, error) {
	zr, compression, err := decompressor(r)
	if err != nil {
		return nil, apperrors.BundleIntegrity(err.Error())
	}
	defer func() { _ = zr.Close() }()

	members := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("read archive: %v", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("member %q is not a regular file", hdr.Name))
		}
		if !knownMembers[hdr.Name] {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("unexpected member %q", hdr.Name))
		}
		if _, dup := members[hdr.Name]; dup {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("duplicate member %q", hdr.Name))
		}
		if hdr.Size < 0 || hdr.Size > maxMemberSize {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("member %q has size %d", hdr.Name, hdr.Size))
		}
		data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, apperrors.BundleIntegrity(fmt.Sprintf("read member %q: %v", hdr.Name, err))
		}
		members[hdr.Name] = data
	}

	metaData, ok := members[MemberMeta]
	if !ok {
		return nil, apperrors.BundleIntegrity("bundle has no meta.json")
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, apperrors.BundleIntegrity(fmt.Sprintf("unreadable meta.json: %v", err))
	}
	if err := checkMeta(&meta, compression, members); err != nil {
		return nil, err
	}
	return &Archive{Meta: &meta, Members: members}, nil
}

func checkMeta(meta *Meta, compression Compression, members map[string][]byte) error {
	switch {
	case meta.Version != FormatVersion:
		return apperrors.BundleIntegrity(fmt.Sprintf("unsupported bundle version %d", meta.Version))
	case meta.ID == "":
		return apperrors.BundleIntegrity("meta.json has no bundle id")
	case meta.CreatedAt.IsZero():
		return apperrors.BundleIntegrity("meta.json has no created_at")
	case meta.Compression != compression:
		return apperrors.BundleIntegrity(fmt.Sprintf("meta.json says %s but the stream is %s", meta.Compression, compression))
	}
	if _, err := ParseMode(string(meta.Mode)); err != nil || meta.Mode == "" {
		return apperrors.BundleIntegrity(fmt.Sprintf("meta.json has mode %q", meta.Mode))
	}
	if _, ok := meta.Files[MemberStorage]; !ok {
		return apperrors.BundleIntegrity("bundle has no storage snapshot")
	}
	for name, info := range meta.Files {
		data, ok := members[name]
		if !ok {
			return apperrors.BundleIntegrity(fmt.Sprintf("member %q listed in meta.json is missing", name))
		}
		if int64(len(data)) != info.Size {
			return apperrors.BundleIntegrity(fmt.Sprintf("member %q is %d bytes, meta.json says %d", name, len(data), info.Size))
		}
		if digest(data) != info.BLAKE3 {
			return apperrors.BundleIntegrity(fmt.Sprintf("member %q does not match its digest", name))
		}
	}
	for name := range members {
		if _, ok := meta.Files[name]; !ok && name != MemberMeta {
			return apperrors.BundleIntegrity(fmt.Sprintf("member %q is not listed in meta.json", name))
		}
	}
	return nil
}

// Inspect validates a bundle and returns its meta.
func Inspect(r io.Reader) (*Meta, error) {
	a, err := Read(r)
	if err != nil {
		return nil, err
	}
	return a.Meta, nil
}

// Extract validates a bundle and lays it out in dir as a data directory:
// dir/conduit.db, dir/repro/tape.jsonl, dir/repro/meta.json and, when
// present, dir/repro/workspace.patch. Nothing is written unless the whole
// archive is valid, and existing storage or tape files are never
// overwritten.
func Extract(r io.Reader, dir string) (*Meta, error) {
	a, err := Read(r)
	if err != nil {
		return nil, err
	}
	targets := map[string]string{
		MemberStorage:   filepath.Join(dir, storage.FileName),
		MemberTape:      tape.Path(dir),
		MemberMeta:      MetaPath(dir),
		MemberWorkspace: filepath.Join(dir, tape.DirName, MemberWorkspace),
	}
	for _, name := range []string{MemberStorage, MemberTape} {
		if _, err := os.Stat(targets[name]); err == nil {
			return nil, apperrors.Conflict(fmt.Sprintf("%s already exists", targets[name]))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("check %s: %w", targets[name], err)
		}
	}
	for _, name := range sortedNames(a.Members) {
		if err := writeFileAtomic(targets[name], a.Members[name]); err != nil {
			return nil, fmt.Errorf("extract %s: %w", name, err)
		}
	}
	return a.Meta, nil
}

// ExtractFile extracts the bundle at path into dir.
func ExtractFile(path, dir string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Extract(f, dir)
}
