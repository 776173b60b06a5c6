package cli

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"datamesh-network/core"
	"datamesh-network/pkg/config"
	"datamesh-network/pkg/utils"
)

// protocolVersion is the peer protocol version advertised in the
// handshake.
var protocolVersion = [3]uint16{0, 9, 0}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a storage-holding peer over a TCP transport",
	Run:   serveHandler,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
}

// localPeerProps builds the handshake props from config.
func localPeerProps(cfg *config.Config, publicKey []byte) *core.PeerProps {
	return &core.PeerProps{
		Version:             protocolVersion,
		SerializeFormat:     core.SerializeFormatFields,
		Clock:               time.Now().UnixMilli(),
		HandshakedPublicKey: publicKey,
		AppVersion:          cfg.Network.AppVersion,
		Region:              cfg.Network.Region,
		Jurisdiction:        cfg.Network.Jurisdiction,
	}
}

// permissionsFromConfig resolves the configured preset.
func permissionsFromConfig(cfg *config.Config) core.P2PClientPermissions {
	var perms core.P2PClientPermissions
	switch cfg.Permissions.Preset {
	case "", "default":
		perms = core.PermissionsDefault()
	case "locked":
		perms = core.PermissionsLocked()
	case "permissive":
		perms = core.PermissionsPermissive()
	case "unchecked-permissive":
		perms = core.PermissionsUncheckedPermissive()
	default:
		bail(utils.Wrap(core.ErrPermissionDenied, "unknown permission preset "+cfg.Permissions.Preset))
	}
	if len(cfg.Permissions.AllowNodeTypes) > 0 {
		perms.Fetch.AllowNodeTypes = nil
		for _, prefix := range cfg.Permissions.AllowNodeTypes {
			decoded, err := hex.DecodeString(prefix)
			bail(err)
			perms.Fetch.AllowNodeTypes = append(perms.Fetch.AllowNodeTypes, decoded)
		}
	}
	return perms
}

// loadKeyring derives the signing key pair named by config.
func loadKeyring(cfg *config.Config) *core.KeyPair {
	mnemonicEnv := cfg.Keyring.MnemonicEnv
	if mnemonicEnv == "" {
		mnemonicEnv = "DATAMESH_MNEMONIC"
	}
	mnemonic := utils.EnvOrDefault(mnemonicEnv, "")
	if mnemonic == "" {
		keyPair, err := core.GenKeyPair(core.KeyTypeEdwards)
		bail(err)
		log.Warnf("no mnemonic in %s, using an ephemeral key %x", mnemonicEnv, keyPair.PublicKey)
		return keyPair
	}
	keyring, err := core.KeyringFromMnemonic(mnemonic, "")
	bail(err)
	keyPair, err := keyring.EdwardsKeyPair(cfg.Keyring.Account, cfg.Keyring.Index)
	bail(err)
	return keyPair
}

func serveHandler(cmd *cobra.Command, args []string) {
	_ = godotenv.Load(".env")
	cfg, err := config.LoadFromEnv()
	bail(err)
	applyLogConfig(cfg)

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = cfg.Network.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = ":7650"
	}

	keyPair := loadKeyring(cfg)
	perms := permissionsFromConfig(cfg)
	store := newMemStore()
	maxSkew := time.Duration(cfg.Network.MaxClockSkewMS) * time.Millisecond

	listener, err := net.Listen("tcp", listenAddr)
	bail(err)
	log.Infof("peer listening on %s as %x", listenAddr, keyPair.PublicKey)

	for {
		conn, err := listener.Accept()
		if err != nil {
			bail(err)
		}
		go func(conn net.Conn) {
			local := localPeerProps(cfg, keyPair.PublicKey)
			remote, err := core.ExchangePeerProps(conn, local)
			if err != nil {
				log.Warnf("handshake with %s failed: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
				return
			}
			if err := core.ValidatePeerProps(local, remote, maxSkew,
				[]uint16{core.SerializeFormatFields}); err != nil {
				log.Warnf("peer props from %s rejected: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
				return
			}
			if err := core.ValidateAuthCert(remote, time.Now().UnixMilli()); err != nil {
				log.Warnf("auth cert from %s rejected: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
				return
			}
			messaging := core.NewConnMessaging(conn)
			peer := core.NewPeer(messaging, perms, *local, *remote)
			peer.SetHandlers(store.Handlers())
			log.Infof("peer %x connected from %s", remote.HandshakedPublicKey, conn.RemoteAddr())
		}(conn)
	}
}

// applyLogConfig sets the logrus level from config.
func applyLogConfig(cfg *config.Config) {
	if cfg.Logging.Level == "" {
		return
	}
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Warnf("unknown log level %q", cfg.Logging.Level)
		return
	}
	log.SetLevel(level)
}
