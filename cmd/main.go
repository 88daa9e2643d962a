package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/api"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/node"
)

const privKeyFileName = "identity.key"

type cfg struct {
	NodePort       uint16
	APIPort        uint16
	StorageDir     string
	Capacity       uint64
	TunnelerCap    int
	PrivKeyFile    string
	BootstrapAddrs []multiaddr.Multiaddr
	StoreIdentity  bool
}

func main() {
	cfg, err := parseArgs()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	kp, err := loadOrGenerateIdentity(logger, cfg.PrivKeyFile, cfg.StoreIdentity)
	if err != nil {
		panic(err)
	}

	n, err := node.New(logger, kp)
	if err != nil {
		panic(err)
	}

	nodeCfg := node.Config{
		ListenPort:   cfg.NodePort,
		StorageDir:   cfg.StorageDir,
		Capacity:     cfg.Capacity,
		TunnelerCap:  cfg.TunnelerCap,
		TrustedPeers: cfg.BootstrapAddrs,
	}

	if err := n.Start(ctx, nodeCfg); err != nil {
		panic(err)
	}
	defer func() {
		logger.Info("shutting down...")
		if err := n.Shutdown(); err != nil {
			logger.Error("failed shutting down cleanly", zap.Error(err))
		}
	}()

	if err := n.Bootstrap(ctx, nodeCfg); err != nil {
		logger.Error("failed bootstrapping", zap.Error(err))
		return
	}

	if cfg.APIPort != 0 {
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.APIPort)
		logger.Info("starting admin API server", zap.String("address", addr))

		server := api.NewServer(logger, n)
		go func() {
			if err := http.ListenAndServe(addr, server); err != nil {
				logger.Error("admin API server stopped", zap.Error(err))
				// TODO: signal this error to the main thread through a channel
				//       otherwise we will end up with a running node and an offline API.
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

// loadOrGenerateIdentity mirrors the corresponding node.go getPrivateKey: read the
// raw scalar from pkFilePath if given and present, otherwise generate a
// fresh keypair and, if storeIdentity is set, persist its raw scalar back
// to pkFilePath (or privKeyFileName when pkFilePath is empty) for next
// time. Unlike the prior design, this lives in
// main rather than inside Node.Start, since this core's node.New/Start
// take an already-constructed keys.KeyPair rather than a file path.
func loadOrGenerateIdentity(logger *zap.Logger, pkFilePath string, storeIdentity bool) (keys.KeyPair, error) {
	if pkFilePath != "" {
		raw, err := ioutil.ReadFile(pkFilePath)
		if err == nil {
			logger.Info("loaded identity private key from file", zap.String("path", pkFilePath))
			return keys.Load(raw)
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reading identity private key file")
		}
		logger.Info("no identity private key file found", zap.String("path", pkFilePath))
	}

	logger.Info("generating identity private key")
	kp, err := keys.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "generating identity private key")
	}

	if storeIdentity {
		path := pkFilePath
		if path == "" {
			path = privKeyFileName
		}
		if err := ioutil.WriteFile(path, kp.Raw(), 0600); err != nil {
			return nil, errors.Wrap(err, "writing identity private key to file")
		}
		logger.Info("stored identity private key", zap.String("path", path))
	}

	return kp, nil
}

func parseArgs() (cfg, error) {
	nodePort := flag.Uint("port", 0, "node port")
	apiPort := flag.Uint("api.port", 0, "admin api port")
	storageDir := flag.String("storage.dir", "./data", "directory for persisted storage items and shards")
	capacity := flag.Uint64("storage.capacity", 0, "maximum bytes this farmer will store (0 = unlimited)")
	tunnelerCap := flag.Uint("tunneler.capacity", 4, "maximum concurrent OPEN_TUNNEL gateways this node will broker")
	bootstrapAddrs := flag.String("bootstrap.addrs", "", "comma separated list of bootstrap node addresses")
	storeIdentity := flag.Bool("id.store", false, "whether the identity private key should be stored to a file")
	privKeyFile := flag.String("privkey", "", "filepath from which node should read (or, with -id.store, write) its private key")
	flag.Parse()

	if *nodePort == 0 {
		return cfg{}, errors.New("node port is required")
	}

	var addrs []multiaddr.Multiaddr
	if *bootstrapAddrs != "" {
		for _, b := range strings.Split(*bootstrapAddrs, ",") {
			addr, err := multiaddr.NewMultiaddr(b)
			if err != nil {
				return cfg{}, errors.Wrap(err, "parsing bootstrap node addresses")
			}
			addrs = append(addrs, addr)
		}
	}

	return cfg{
		NodePort:       uint16(*nodePort),
		APIPort:        uint16(*apiPort),
		StorageDir:     *storageDir,
		Capacity:       *capacity,
		TunnelerCap:    int(*tunnelerCap),
		PrivKeyFile:    *privKeyFile,
		BootstrapAddrs: addrs,
		StoreIdentity:  *storeIdentity,
	}, nil
}
