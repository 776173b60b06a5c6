package cli

import (
	"encoding/hex"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"datamesh-network/core"
	"datamesh-network/pkg/config"
)

var autofetchCmd = &cobra.Command{
	Use:   "autofetch",
	Short: "Connect to a remote peer and run auto-fetch rules against a local store",
	Run:   autofetchHandler,
}

func init() {
	autofetchCmd.Flags().String("connect", "", "Remote peer address (overrides config)")
	autofetchCmd.Flags().String("rules", "", "Auto-fetch rules YAML file (overrides config)")
}

// autoFetchRule is the YAML form of one auto-fetch rule.
type autoFetchRule struct {
	RemotePublicKey  string `yaml:"remotePublicKey"`
	ParentID         string `yaml:"parentId"`
	NodeType         string `yaml:"nodeType"`
	Depth            int32  `yaml:"depth"`
	Limit            int32  `yaml:"limit"`
	TriggerInterval  uint32 `yaml:"triggerInterval"`
	Reverse          bool   `yaml:"reverse"`
	BlobSizeMaxLimit int64  `yaml:"blobSizeMaxLimit"`
}

// loadAutoFetchRules parses the YAML rules document.
func loadAutoFetchRules(path string) ([]core.AutoFetch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Rules []autoFetchRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make([]core.AutoFetch, 0, len(doc.Rules))
	for _, rule := range doc.Rules {
		af := core.AutoFetch{
			Reverse:          rule.Reverse,
			BlobSizeMaxLimit: rule.BlobSizeMaxLimit,
		}
		if rule.RemotePublicKey != "" {
			key, err := hex.DecodeString(rule.RemotePublicKey)
			if err != nil {
				return nil, err
			}
			af.RemotePublicKey = key
		}
		query := &af.FetchRequest.Query
		query.Depth = rule.Depth
		query.Limit = rule.Limit
		query.TriggerInterval = rule.TriggerInterval
		if rule.ParentID != "" {
			parent, err := hex.DecodeString(rule.ParentID)
			if err != nil {
				return nil, err
			}
			query.ParentID = parent
		}
		nodeType := core.TypeNode
		if rule.NodeType != "" {
			decoded, err := hex.DecodeString(rule.NodeType)
			if err != nil {
				return nil, err
			}
			nodeType = decoded
		}
		query.Match = []core.Match{{NodeType: nodeType}}
		out = append(out, af)
	}
	return out, nil
}

func autofetchHandler(cmd *cobra.Command, args []string) {
	_ = godotenv.Load(".env")
	cfg, err := config.LoadFromEnv()
	bail(err)
	applyLogConfig(cfg)

	connectAddr, _ := cmd.Flags().GetString("connect")
	if connectAddr == "" {
		connectAddr = cfg.Network.ConnectAddr
	}
	rulesFile, _ := cmd.Flags().GetString("rules")
	if rulesFile == "" {
		rulesFile = cfg.AutoFetch.RulesFile
	}
	rules, err := loadAutoFetchRules(rulesFile)
	bail(err)
	for i := range rules {
		if rules[i].BlobSizeMaxLimit == 0 {
			rules[i].BlobSizeMaxLimit = cfg.AutoFetch.BlobSizeMaxLimit
		}
	}

	keyPair := loadKeyring(cfg)
	maxSkew := time.Duration(cfg.Network.MaxClockSkewMS) * time.Millisecond

	// Remote (server) side over TCP.
	conn, err := net.Dial("tcp", connectAddr)
	bail(err)
	local := localPeerProps(cfg, keyPair.PublicKey)
	remote, err := core.ExchangePeerProps(conn, local)
	bail(err)
	bail(core.ValidatePeerProps(local, remote, maxSkew, []uint16{core.SerializeFormatFields}))
	serverPeer := core.NewPeer(core.NewConnMessaging(conn), core.PermissionsLocked(), *local, *remote)

	// Local storage side over an in-process pair.
	storeEnd, clientEnd := core.MessagingPair()
	store := newMemStore()
	storagePeer := core.NewPeer(storeEnd, core.PermissionsPermissive(), *local, *local)
	storagePeer.SetHandlers(store.Handlers())
	storageClient := core.NewPeer(clientEnd, core.PermissionsLocked(), *local, *local)

	fetcher := core.NewAutoFetcher(serverPeer, storageClient)
	fetcher.AddFetch(rules)
	log.Infof("auto-fetching %d rules from %s", len(rules), connectAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fetcher.Stop()
	_ = serverPeer.Close()
}
