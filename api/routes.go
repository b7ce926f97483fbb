package api

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint   = "/ping"   // GET: Liveness check
	HealthEndpoint = "/health" // GET: Store connectivity check

	// Intent admission endpoints
	JumpEndpoint      = "/jump"     // POST: Submit a jump
	GameOverEndpoint  = "/gameover" // POST: Submit a game over
	SetPlayerEndpoint = "/player"   // POST: Set a player name

	// Intent status endpoints
	IntentIDURLParam     = "intentId"                               // URL parameter for intent ID
	IntentStatusEndpoint = "/intents/{" + IntentIDURLParam + "}"    // GET: Check intent status
	PendingCountEndpoint = "/queue/pending"                         // GET: Number of pending intents

	// Account endpoints
	AccountIndexURLParam = "index"                                             // URL parameter for account index
	PoolQueryParam       = "pool"                                              // Query param selecting live or recovery pool
	AccountsEndpoint     = "/accounts"                                         // GET: Snapshot of the signing pools
	AccountResetEndpoint = AccountsEndpoint + "/{" + AccountIndexURLParam + "}/reset" // POST: Clear an account quarantine

	// Update stream endpoints
	PlayerQueryParam = "player"   // Query param for player address
	GameQueryParam   = "game"     // Query param for game session id
	WaitQueryParam   = "wait"     // Query param bounding the long-poll wait, in milliseconds
	UpdatesEndpoint  = "/updates" // GET: Long-poll for intent updates

	// Info endpoint
	InfoEndpoint = "/info" // GET: Dispatcher information
)

// logExcludedPrefixes lists URL prefixes excluded from request logging.
var logExcludedPrefixes = []string{
	PingEndpoint,
	HealthEndpoint,
	UpdatesEndpoint,
	InfoEndpoint,
}
