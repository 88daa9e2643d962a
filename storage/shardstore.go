package storage

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/ids"
)

// ShardStore persists raw shard bytes, independent of the metadata an
// Adapter keeps. It replaces the IPFS pinning collaborator
// (ipfs/ipfs_manager.go, which shells out to a "dei"/"subdei" CLI) with a
// plain on-disk blob store: shelling out to an external binary from a
// network-facing storage node is a needless security liability this
// rework does not carry forward (see DESIGN.md).
type ShardStore interface {
	// Open returns a handle for hash: writable if the shard is not yet
	// present, readable if it is.
	Open(hash ids.NodeID) (ShardHandle, error)
	// Delete removes the shard's bytes, if present.
	Delete(hash ids.NodeID) error
	// Has reports whether the shard's bytes are already stored.
	Has(hash ids.NodeID) bool
}

// FileShardStore stores each shard as a single file named by its hex
// hash under dir.
type FileShardStore struct {
	logger *zap.Logger
	dir    string
}

func NewFileShardStore(logger *zap.Logger, dir string) *FileShardStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileShardStore{logger: logger, dir: dir}
}

func (s *FileShardStore) pathFor(hash ids.NodeID) string {
	return filepath.Join(s.dir, hash.Hex())
}

func (s *FileShardStore) Has(hash ids.NodeID) bool {
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

func (s *FileShardStore) Open(hash ids.NodeID) (ShardHandle, error) {
	path := s.pathFor(hash)

	if s.Has(hash) {
		return ShardHandle{
			State: ShardPresent,
			Open: func() (io.ReadCloser, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, errors.Wrap(err, "opening shard for read")
				}
				return f, nil
			},
		}, nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return ShardHandle{}, errors.Wrap(err, "creating shard directory")
	}
	// Write into a temp file so a half-written shard (a crash or a
	// dropped CONSIGN stream mid-transfer) never looks Present.
	tmp, err := ioutil.TempFile(s.dir, hash.Hex()+".partial-*")
	if err != nil {
		return ShardHandle{}, errors.Wrap(err, "creating shard write buffer")
	}

	sink := &commitOnClose{tmp: tmp, finalPath: path, logger: s.logger}
	return ShardHandle{
		State:  ShardEmpty,
		Writer: sink,
		Abort:  sink.abort,
	}, nil
}

func (s *FileShardStore) Delete(hash ids.NodeID) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting shard")
	}
	return nil
}

// commitOnClose buffers writes to a temp file and atomically renames it
// into place on Close, so a shard only ever becomes visible to Has/Open
// once it is wholly received.
type commitOnClose struct {
	tmp       *os.File
	finalPath string
	logger    *zap.Logger
}

func (c *commitOnClose) Write(p []byte) (int, error) {
	return c.tmp.Write(p)
}

func (c *commitOnClose) Close() error {
	if err := c.tmp.Close(); err != nil {
		return errors.Wrap(err, "closing shard write buffer")
	}
	if err := os.Rename(c.tmp.Name(), c.finalPath); err != nil {
		os.Remove(c.tmp.Name())
		return errors.Wrap(err, "committing shard to disk")
	}
	c.logger.Debug("shard committed to disk", zap.String("path", c.finalPath))
	return nil
}

// abort discards the buffered write instead of committing it, for a
// destroyed write handle (a failed MIRROR/CONSIGN transfer).
func (c *commitOnClose) abort() error {
	name := c.tmp.Name()
	if err := c.tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrap(err, "closing aborted shard write buffer")
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing aborted shard write buffer")
	}
	return nil
}
