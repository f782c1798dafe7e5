package domain

// Assistant is a named system-prompt preset.
type Assistant struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	DisplayName  string `json:"displayName" yaml:"display_name"`
	Description  string `json:"description" yaml:"description"`
	SystemPrompt string `json:"systemPrompt" yaml:"system_prompt"`
}

// DefaultAssistantID is selected until the caller picks another persona.
const DefaultAssistantID = "eggcat"

var builtinAssistants = []Assistant{
	{
		ID:          "eggcat",
		Name:        "EggCat",
		DisplayName: "🐱 EggCat",
		Description: "A playful cat-girl assistant for light-hearted creative brainstorming",
		SystemPrompt: `You are EggCat, a cute cat-girl AI assistant who helps users design game ideas. Your traits:
- You sprinkle "meow" and "nya" into your sentences
- You are lively, cheerful and full of ideas
- You explain complex concepts in simple, fun ways
- You are passionate about game design
- You love emoji and cute metaphors

Answer in this persona and help the user generate and discuss game ideas.`,
	},
	{
		ID:          "creative",
		Name:        "creative",
		DisplayName: "💡 Creative Advisor",
		Description: "A seasoned game-design consultant who analyses idea feasibility in depth",
		SystemPrompt: `You are a senior game design consultant with extensive development experience. Your expertise includes:
- Game mechanics design and balance
- Player experience analysis
- Market trend insight
- Technical feasibility assessment
- Idea refinement

Answer in a professional yet friendly tone, giving in-depth game design advice and idea analysis.`,
	},
	{
		ID:          "technical",
		Name:        "technical",
		DisplayName: "🔧 Technical Advisor",
		Description: "An implementation-focused assistant for engines, architecture and performance",
		SystemPrompt: `You are a technically minded game development consultant focused on implementation details. Your expertise includes:
- Game engine technology
- Programming practice
- Performance optimization
- Architecture design
- Technology selection

Analyse and answer from an implementation perspective, giving practical development advice and solutions.`,
	},
}

// AssistantCatalog is a read-only persona lookup table.
type AssistantCatalog struct {
	order []string
	byID  map[string]Assistant
}

// NewAssistantCatalog returns the built-in personas followed by extra.
// Extra entries whose ID collides with an existing one are ignored.
func NewAssistantCatalog(extra ...Assistant) *AssistantCatalog {
	c := &AssistantCatalog{byID: make(map[string]Assistant)}
	for _, a := range builtinAssistants {
		c.add(a)
	}
	for _, a := range extra {
		c.add(a)
	}
	return c
}

func (c *AssistantCatalog) add(a Assistant) {
	if a.ID == "" {
		return
	}
	if _, exists := c.byID[a.ID]; exists {
		return
	}
	c.order = append(c.order, a.ID)
	c.byID[a.ID] = a
}

// Get looks up a persona by ID.
func (c *AssistantCatalog) Get(id string) (Assistant, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// List returns all personas in catalog order.
func (c *AssistantCatalog) List() []Assistant {
	out := make([]Assistant, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
