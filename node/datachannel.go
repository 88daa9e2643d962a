package node

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/channel"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
)

// dataChannelProtocolID is the libp2p stream protocol raw shard bytes move
// over, gated by the one-shot token channel.Authority issues for
// CONSIGN/RETRIEVE/MIRROR.
const dataChannelProtocolID = "/meshstore/datachannel/1.0.0"

// dataChannelHeader is the first line written on a data-channel stream,
// identifying which upload/download it authorizes.
type dataChannelHeader struct {
	Token    string     `json:"token"`
	DataHash ids.NodeID `json:"data_hash"`
}

// dataChannelServer implements transport.DataChannelServer: on an inbound
// stream it matches the claimed token against channel.Authority — the
// single issuer/verifier every token is checked against, so there is no
// second, parallel notion of which tokens are outstanding — and moves
// bytes in the direction the shard's current state implies — Writable
// means this is a CONSIGN upload, Present means it's a RETRIEVE/MIRROR
// download (the token alone doesn't carry purpose; the shard state does).
type dataChannelServer struct {
	logger  *zap.Logger
	manager *storage.Manager
	auth    *channel.Authority
}

func newDataChannelServer(logger *zap.Logger, manager *storage.Manager, auth *channel.Authority) *dataChannelServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dataChannelServer{logger: logger, manager: manager, auth: auth}
}

// Accept satisfies transport.DataChannelServer. Registration already
// happened when the token was issued through channel.Authority; serve
// performs the actual one-shot verification against that same Authority
// when the stream arrives.
func (s *dataChannelServer) Accept(token string, dataHash ids.NodeID) error {
	return nil
}

func (s *dataChannelServer) serve(stream network.Stream) {
	defer stream.Close()

	var hdr dataChannelHeader
	reader := bufio.NewReader(stream)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.logger.Debug("failed reading data channel header", zap.Error(err))
		return
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		s.logger.Debug("failed parsing data channel header", zap.Error(err))
		return
	}

	if err := s.auth.Accept(hdr.Token, hdr.DataHash); err != nil {
		s.logger.Debug("rejecting data channel connection", zap.Error(err))
		return
	}

	item, err := s.manager.Load(hdr.DataHash)
	if err != nil {
		s.logger.Warn("failed loading storage item for data channel", zap.Error(err))
		return
	}

	if item.Shard.Writable() {
		if _, err := io.Copy(item.Shard.Writer, reader); err != nil {
			s.logger.Warn("data channel upload failed", zap.Error(err))
			if item.Shard.Abort != nil {
				_ = item.Shard.Abort()
			}
			return
		}
		if err := item.Shard.Writer.Close(); err != nil {
			s.logger.Warn("failed committing uploaded shard", zap.Error(err))
		}
		return
	}

	rc, err := item.Shard.Open()
	if err != nil {
		s.logger.Warn("failed opening shard for data channel download", zap.Error(err))
		return
	}
	defer rc.Close()
	if _, err := io.Copy(stream, rc); err != nil {
		s.logger.Warn("data channel download failed", zap.Error(err))
	}
}

// dataChannelClient implements transport.DataChannelClient: it dials a
// remote farmer's data channel listener and presents the token that
// farmer's CONSIGN/RETRIEVE response carried.
type dataChannelClient struct {
	logger *zap.Logger
	node   *Node
}

func newDataChannelClient(logger *zap.Logger, n *Node) *dataChannelClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dataChannelClient{logger: logger, node: n}
}

func (c *dataChannelClient) OpenReadStream(ctx context.Context, contact transport.Contact, token string, dataHash ids.NodeID) (transport.ReadStream, error) {
	addrInfo, err := addrInfoFromContact(contact)
	if err != nil {
		return nil, errors.Wrap(err, "resolving data channel contact")
	}
	if err := c.node.host.Connect(ctx, *addrInfo); err != nil {
		return nil, errors.Wrap(err, "connecting to data channel peer")
	}
	s, err := c.node.host.NewStream(ctx, addrInfo.ID, dataChannelProtocolID)
	if err != nil {
		return nil, errors.Wrap(err, "opening data channel stream")
	}

	hdr, err := json.Marshal(dataChannelHeader{Token: token, DataHash: dataHash})
	if err != nil {
		s.Close()
		return nil, err
	}
	hdr = append(hdr, '\n')
	if _, err := s.Write(hdr); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "writing data channel header")
	}
	return s, nil
}
