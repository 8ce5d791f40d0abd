package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Market holds the fee configuration fixed at marketplace construction.
type Market struct {
	// FeeAccount receives the platform cut of every sale (hex address).
	FeeAccount string
	// FeePercent is the platform fee in whole percent. Not capped at 100;
	// anything above is a deployment choice, not a core rule.
	FeePercent int64
	// CustodyAddress is the marketplace's own identity in asset
	// registries; it holds every unsold listing's asset.
	CustodyAddress string
	// RegistryAddress is the address the built-in asset registry is
	// attached under.
	RegistryAddress string
	RegistryName    string
	RegistrySymbol  string
}

// Node holds sequencer and storage settings.
type Node struct {
	DBPath  string
	WALPath string
	// MinBlockTime paces the sequencer so quiet deployments do not spin.
	MinBlockTime time.Duration
	// SequencerSeed derives the BLS key certifying committed blocks.
	SequencerSeed string
	APIAddr       string
	// P2PListen is the gossip publisher's multiaddr; empty disables gossip.
	P2PListen string
	LogFile   string
}

type Config struct {
	Market Market
	Node   Node
}

func Default() Config {
	return Config{
		Market: Market{
			FeeAccount:      "0x00000000000000000000000000000000000000FE",
			FeePercent:      1,
			CustodyAddress:  "0x000000000000000000000000000000000000000C",
			RegistryAddress: "0x00000000000000000000000000000000000000A1",
			RegistryName:    "Dapp NFT",
			RegistrySymbol:  "DAPP",
		},
		Node: Node{
			DBPath:        "data/market.db",
			WALPath:       "data/tx.wal",
			MinBlockTime:  200 * time.Millisecond,
			SequencerSeed: "nftmarketd-dev-sequencer-seed-0001",
			APIAddr:       ":8080",
			P2PListen:     "",
			LogFile:       "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEE_ACCOUNT"); v != "" {
		cfg.Market.FeeAccount = v
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.FeePercent = n
		}
	}
	if v := os.Getenv("CUSTODY_ADDRESS"); v != "" {
		cfg.Market.CustodyAddress = v
	}
	if v := os.Getenv("REGISTRY_ADDRESS"); v != "" {
		cfg.Market.RegistryAddress = v
	}
	if v := os.Getenv("REGISTRY_NAME"); v != "" {
		cfg.Market.RegistryName = v
	}
	if v := os.Getenv("REGISTRY_SYMBOL"); v != "" {
		cfg.Market.RegistrySymbol = v
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("WAL_PATH"); v != "" {
		cfg.Node.WALPath = v
	}
	if v := os.Getenv("MIN_BLOCK_TIME_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SEQUENCER_SEED"); v != "" {
		cfg.Node.SequencerSeed = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("P2P_LISTEN"); v != "" {
		cfg.Node.P2PListen = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}
