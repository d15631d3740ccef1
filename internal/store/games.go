package store

import (
	"fmt"
	"sort"
	"strings"
)

// Game describes one entry of the supported-game whitelist. Only whitelisted
// game types can be attached to an access key; the type feeds the proxy name
// and the post-activation probing behavior.
type Game struct {
	Type        string   // canonical identifier, e.g. "minecraft"
	DisplayName string   // name used in chat notifications
	Aliases     []string // accepted alternative spellings
}

// Games is the closed whitelist of supported game types.
var Games = []Game{
	{Type: "minecraft", DisplayName: "我的世界", Aliases: []string{"mc"}},
	{Type: "terraria", DisplayName: "泰拉瑞亚", Aliases: []string{"tr"}},
	{Type: "dont_starve_together", DisplayName: "饥荒联机版", Aliases: []string{"dst"}},
	{Type: "starbound", DisplayName: "星界边境", Aliases: nil},
	{Type: "factorio", DisplayName: "异星工厂", Aliases: nil},
	{Type: "valheim", DisplayName: "英灵神殿", Aliases: nil},
	{Type: "palworld", DisplayName: "幻兽帕鲁", Aliases: nil},
}

// ResolveGame maps a user-supplied game name (canonical or alias, any case)
// to its whitelist entry. The returned error lists the legal set so command
// replies can show it verbatim.
func ResolveGame(name string) (Game, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, g := range Games {
		if g.Type == needle {
			return g, nil
		}
		for _, a := range g.Aliases {
			if a == needle {
				return g, nil
			}
		}
	}
	return Game{}, fmt.Errorf("store: unknown game type %q, supported: %s", name, GameList())
}

// GameByType returns the whitelist entry for a canonical type, or a zero
// Game when the type is unknown (possible for records written by older
// versions).
func GameByType(typ string) Game {
	for _, g := range Games {
		if g.Type == typ {
			return g
		}
	}
	return Game{Type: typ, DisplayName: typ}
}

// GameList returns the comma-separated legal set, aliases in parentheses.
func GameList() string {
	parts := make([]string, 0, len(Games))
	for _, g := range Games {
		if len(g.Aliases) > 0 {
			parts = append(parts, fmt.Sprintf("%s(%s)", g.Type, strings.Join(g.Aliases, "/")))
		} else {
			parts = append(parts, g.Type)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// Abbrev returns the four-character game abbreviation used in proxy names.
func (g Game) Abbrev() string {
	t := g.Type
	if len(t) > 4 {
		t = t[:4]
	}
	return t
}
