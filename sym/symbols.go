// Package sym defines canonical symbols for automaton components.
// Symbols are attached to log lines as a structured field and shown in
// CLI output, so they must stay stable.
package sym

// Component glyphs.
const (
	Engine    = "⚙" // automation engine lifecycle and state transitions
	Trigger   = "⚡" // trigger matching and goal evaluation
	Delay     = "⧗" // delay timers and condition waits
	Prepare   = "⊕" // schedule preparation
	Execute   = "▶" // schedule execution
	Queue     = "↻" // retrying operation queue
	Limit     = "⊘" // frequency constraints
	Feed      = "≋" // application event feed
	Bridge    = "⇄" // websocket event bridge
	AM        = "≡" // configuration
	DB        = "⊔" // database/storage layer
	Open      = "✿" // graceful startup with interrupted schedule recovery
	Close     = "❀" // graceful shutdown
	Scheduled = "✦" // schedule definition files
)

// entry binds a glyph to its short command name and description.
type entry struct {
	glyph       string
	command     string
	description string
}

// registry is the canonical list of component symbols, in display order.
var registry = []entry{
	{Engine, "engine", "Automation engine lifecycle and state transitions"},
	{Trigger, "trigger", "Trigger matching and goal evaluation"},
	{Delay, "delay", "Delay timers and condition waits"},
	{Prepare, "prepare", "Schedule preparation"},
	{Execute, "execute", "Schedule execution"},
	{Queue, "queue", "Retrying operation queue"},
	{Limit, "limit", "Frequency constraints"},
	{Feed, "feed", "Application event feed"},
	{Bridge, "bridge", "Websocket event bridge"},
	{AM, "am", "Configuration"},
	{DB, "db", "Database/storage layer"},
	{Open, "open", "Startup with interrupted schedule recovery"},
	{Close, "close", "Graceful shutdown"},
	{Scheduled, "schedules", "Schedule definition files"},
}

// SymbolToCommand maps glyph strings to their text command equivalents.
var SymbolToCommand = map[string]string{}

// CommandToSymbol maps text commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{}

// CommandDescriptions provides human-readable explanations per command.
var CommandDescriptions = map[string]string{}

func init() {
	for _, e := range registry {
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		CommandDescriptions[e.command] = e.description
	}
}

// Glyphs returns every registered glyph in display order.
func Glyphs() []string {
	out := make([]string, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.glyph)
	}
	return out
}
