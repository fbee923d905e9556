package model

import "time"

type ServerStatus string

const (
	ServerCreating  ServerStatus = "creating"
	ServerRunning   ServerStatus = "running"
	ServerStopped   ServerStatus = "stopped"
	ServerSuspended ServerStatus = "suspended"
	ServerError     ServerStatus = "error"
	ServerDeleted   ServerStatus = "deleted"
)

// Live reports whether the server still counts against quotas and holds its port.
func (s ServerStatus) Live() bool {
	return s != ServerDeleted
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionCancelled, SubscriptionSuspended, SubscriptionExpired:
		return true
	default:
		return false
	}
}

type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingYearly  BillingCycle = "yearly"
	BillingOneTime BillingCycle = "one-time"
)

func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingYearly || c == BillingOneTime
}

type ServerType string

const (
	ServerVanilla ServerType = "vanilla"
	ServerBukkit  ServerType = "bukkit"
	ServerSpigot  ServerType = "spigot"
	ServerPaper   ServerType = "paper"
	ServerForge   ServerType = "forge"
	ServerFabric  ServerType = "fabric"
)

const (
	DefaultMinecraftVersion = "1.20.1"
	DefaultMaxPlayers       = 20
	DefaultMOTD             = "A Minecraft Server"
)

type PlanFeatures struct {
	RAMGB           int  `json:"ram_gb"`
	StorageGB       int  `json:"storage_gb"`
	PlayerSlots     int  `json:"player_slots"`
	CPUCores        int  `json:"cpu_cores"`
	BandwidthGB     int  `json:"bandwidth_gb"`
	Backups         bool `json:"backups"`
	DDoSProtection  bool `json:"ddos_protection"`
	CustomDomain    bool `json:"custom_domain"`
	PrioritySupport bool `json:"priority_support"`
}

type Plan struct {
	ID           string
	Name         string
	DisplayName  string
	Description  string
	Price        int64
	Currency     string
	BillingCycle BillingCycle
	Features     PlanFeatures
	IsFree       bool
	IsActive     bool
	MaxServers   int
	UpdatedAt    time.Time
}

func (p Plan) PlayerSlotLimit() int {
	return p.Features.PlayerSlots
}

type Principal struct {
	ID                 string
	HasUsedFreeTrial   bool
	SubscriptionStatus SubscriptionStatus
	CurrentPlanID      *string
	ServerIDs          []string
}

type ServerConfig struct {
	MaxPlayers int    `json:"max_players"`
	Difficulty string `json:"difficulty"`
	GameMode   string `json:"game_mode"`
	PVP        bool   `json:"pvp"`
	Whitelist  bool   `json:"whitelist"`
	MOTD       string `json:"motd"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxPlayers: DefaultMaxPlayers,
		Difficulty: "normal",
		GameMode:   "survival",
		PVP:        true,
		Whitelist:  false,
		MOTD:       DefaultMOTD,
	}
}

// ConfigPatch carries a partial configuration update. Nil fields keep the stored value.
type ConfigPatch struct {
	MaxPlayers *int    `json:"max_players,omitempty" validate:"omitempty,min=1"`
	Difficulty *string `json:"difficulty,omitempty" validate:"omitempty,oneof=peaceful easy normal hard"`
	GameMode   *string `json:"game_mode,omitempty" validate:"omitempty,oneof=survival creative adventure spectator"`
	PVP        *bool   `json:"pvp,omitempty"`
	Whitelist  *bool   `json:"whitelist,omitempty"`
	MOTD       *string `json:"motd,omitempty" validate:"omitempty,max=120"`
}

func (c ServerConfig) Merge(p ConfigPatch) ServerConfig {
	out := c
	if p.MaxPlayers != nil {
		out.MaxPlayers = *p.MaxPlayers
	}
	if p.Difficulty != nil {
		out.Difficulty = *p.Difficulty
	}
	if p.GameMode != nil {
		out.GameMode = *p.GameMode
	}
	if p.PVP != nil {
		out.PVP = *p.PVP
	}
	if p.Whitelist != nil {
		out.Whitelist = *p.Whitelist
	}
	if p.MOTD != nil {
		out.MOTD = *p.MOTD
	}
	return out
}

type Server struct {
	ID               string
	OwnerID          string
	PlanID           string
	Name             string
	Description      string
	MinecraftVersion string
	ServerType       ServerType
	Port             int
	IPAddress        string
	Status           ServerStatus
	Config           ServerConfig
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastStarted      *time.Time
	LastStopped      *time.Time
}
