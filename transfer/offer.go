package transfer

import (
	"fmt"
	"io/fs"
	"math"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"voidwarp/crypto"
	"voidwarp/models"
	"voidwarp/network"
)

const defaultMimeType = "application/octet-stream"

// Manifest is a built offer plus the local paths behind each entry.
type Manifest struct {
	Offer   models.TransferOffer
	sources []string
}

// BuildManifest stats, walks and hashes path. A directory becomes one entry
// per regular file with paths relative to the directory's parent.
func BuildManifest(root string) (*Manifest, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	m := &Manifest{Offer: models.TransferOffer{SessionID: uuid.NewString()}}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrEmptySource, root)
		}
		if err := m.add(root, filepath.Base(root), info); err != nil {
			return nil, err
		}
		return m, nil
	}

	parent := filepath.Dir(root)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		return m.add(p, filepath.ToSlash(rel), info)
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(m.sources) == 0 {
		return nil, fmt.Errorf("%w: %s has no files", ErrEmptySource, root)
	}
	return m, nil
}

func (m *Manifest) add(source, rel string, info fs.FileInfo) error {
	digest, err := crypto.DigestFile(source)
	if err != nil {
		return err
	}
	m.Offer.Entries = append(m.Offer.Entries, models.FileEntry{
		RelativePath: rel,
		Size:         info.Size(),
		MimeType:     mimeTypeFor(rel),
		ModifiedTime: info.ModTime(),
		ContentHash:  digest,
	})
	m.Offer.TotalSize += info.Size()
	m.Offer.FileCount++
	m.sources = append(m.sources, source)
	return nil
}

// Name is what the receiver shows: the file name or the folder name.
func (m *Manifest) Name() string {
	return m.Offer.DisplayName()
}

// Size is the total byte count of the offer.
func (m *Manifest) Size() int64 {
	return m.Offer.TotalSize
}

// Checksum is the hex SHA-256 of a single file, or of the entry list for a folder.
func (m *Manifest) Checksum() string {
	if len(m.Offer.Entries) == 1 {
		return crypto.DigestHex(m.Offer.Entries[0].ContentHash)
	}
	parts := make([][]byte, 0, 2*len(m.Offer.Entries))
	for _, e := range m.Offer.Entries {
		parts = append(parts, []byte(e.RelativePath), e.ContentHash)
	}
	return crypto.DigestHex(crypto.TranscriptHash(parts...))
}

func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		return t
	}
	return defaultMimeType
}

func offerToWire(offer models.TransferOffer, senderName string) *network.Offer {
	files := make([]network.FileInfo, 0, len(offer.Entries))
	for _, e := range offer.Entries {
		files = append(files, network.FileInfo{
			Path:         e.RelativePath,
			Size:         e.Size,
			MimeType:     e.MimeType,
			ModifiedTime: e.ModifiedTime,
			Hash:         e.ContentHash,
		})
	}
	return &network.Offer{
		SessionID:  offer.SessionID,
		TotalSize:  offer.TotalSize,
		TotalFiles: uint32(len(files)),
		Files:      files,
		SenderName: senderName,
	}
}

// offerFromWire validates an incoming offer. Every path must stay inside
// the save directory and every entry must carry a full digest.
func offerFromWire(wire *network.Offer, sender models.PeerIdentity) (models.TransferOffer, error) {
	if wire == nil || wire.SessionID == "" {
		return models.TransferOffer{}, fmt.Errorf("%w: offer without session id", ErrProtocol)
	}
	if int(wire.TotalFiles) != len(wire.Files) || len(wire.Files) == 0 {
		return models.TransferOffer{}, fmt.Errorf("%w: offer file count %d does not match %d entries", ErrProtocol, wire.TotalFiles, len(wire.Files))
	}

	offer := models.TransferOffer{
		SessionID:      wire.SessionID,
		SenderIdentity: sender,
		FileCount:      len(wire.Files),
	}
	if wire.SenderName != "" {
		offer.SenderIdentity.DisplayName = wire.SenderName
	}
	seen := make(map[string]struct{}, len(wire.Files))
	for _, f := range wire.Files {
		if err := checkRelativePath(f.Path); err != nil {
			return models.TransferOffer{}, err
		}
		if _, dup := seen[f.Path]; dup {
			return models.TransferOffer{}, fmt.Errorf("%w: duplicate path %q", ErrProtocol, f.Path)
		}
		seen[f.Path] = struct{}{}
		if f.Size < 0 {
			return models.TransferOffer{}, fmt.Errorf("%w: negative size for %q", ErrProtocol, f.Path)
		}
		if offer.TotalSize > math.MaxInt64-f.Size {
			return models.TransferOffer{}, fmt.Errorf("%w: total size overflows at %q", ErrProtocol, f.Path)
		}
		if len(f.Hash) != crypto.DigestSize {
			return models.TransferOffer{}, fmt.Errorf("%w: %q carries no full digest", ErrProtocol, f.Path)
		}
		offer.Entries = append(offer.Entries, models.FileEntry{
			RelativePath: f.Path,
			Size:         f.Size,
			MimeType:     f.MimeType,
			ModifiedTime: f.ModifiedTime,
			ContentHash:  f.Hash,
		})
		offer.TotalSize += f.Size
	}
	if offer.TotalSize != wire.TotalSize {
		return models.TransferOffer{}, fmt.Errorf("%w: total size %d does not match entries %d", ErrProtocol, wire.TotalSize, offer.TotalSize)
	}
	return offer, nil
}

func checkRelativePath(rel string) error {
	if rel == "" || strings.Contains(rel, "\\") || !filepath.IsLocal(filepath.FromSlash(rel)) || path.Clean(rel) != rel {
		return fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return nil
}

// destinationPath joins a checked relative path under dir.
func destinationPath(dir, rel string) (string, error) {
	if err := checkRelativePath(rel); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}
