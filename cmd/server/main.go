package main

import (
	"flag"
	"net/http"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/owlgrove/raftkv/internal/config"
	"github.com/owlgrove/raftkv/internal/raftnode"
	"github.com/owlgrove/raftkv/internal/rmetrics"
	"github.com/owlgrove/raftkv/internal/server"
	"github.com/owlgrove/raftkv/internal/transport"
)

func main() {
	peersFlag := flag.String("peers", "", "comma-separated id=http://host:port list; defaults to $CLUSTER_PEERS")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	id, err := config.ServerID()
	if err != nil {
		logger.WithError(err).Fatal("cannot determine server id")
	}

	peers := *peersFlag
	if peers == "" {
		peers = os.Getenv("CLUSTER_PEERS")
	}
	membership, err := config.ParseMembership(peers)
	if err != nil {
		logger.WithError(err).Fatal("cannot parse cluster membership")
	}
	if _, ok := membership[id]; !ok {
		membership[id] = "http://localhost" + config.Addr(id)
	}

	entry := logger.WithField("server_id", id)

	dialer := transport.NewHTTPDialer(membership)
	rec := rmetrics.New(strconv.Itoa(id))
	node := raftnode.New(id, membership, dialer, entry, rec)
	node.Start()

	srv := server.New(node, membership, entry)

	addr := config.Addr(id)
	entry.WithField("addr", addr).Info("listening")
	if err := http.ListenAndServe(addr, srv.Mux()); err != nil {
		entry.WithError(err).Fatal("http server exited")
	}
}
