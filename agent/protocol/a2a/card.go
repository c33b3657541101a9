package a2a

// AgentCapabilities 代理支持的协议能力
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill 代理对外声明的技能
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// AgentCard 描述代理能力与元数据，在 /.well-known/agent.json 发布。
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	ProtocolVersion    string            `json:"protocolVersion,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
	Skills             []AgentSkill      `json:"skills"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// NewAgentCard 创建带必填字段的代理卡，默认支持文本与结构化数据。
func NewAgentCard(name, description, url, version string) *AgentCard {
	return &AgentCard{
		Name:               name,
		Description:        description,
		URL:                url,
		Version:            version,
		ProtocolVersion:    "0.2.5",
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
		Skills:             make([]AgentSkill, 0),
		Metadata:           make(map[string]string),
	}
}

// WithStreaming 声明是否支持 message/stream
func (c *AgentCard) WithStreaming(enabled bool) *AgentCard {
	c.Capabilities.Streaming = enabled
	return c
}

// AddSkill 添加技能
func (c *AgentCard) AddSkill(skill AgentSkill) *AgentCard {
	c.Skills = append(c.Skills, skill)
	return c
}

// SetMetadata 设置元数据键值
func (c *AgentCard) SetMetadata(key, value string) *AgentCard {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return c
}

// GetMetadata 按键读取元数据
func (c *AgentCard) GetMetadata(key string) (string, bool) {
	if c.Metadata == nil {
		return "", false
	}
	value, ok := c.Metadata[key]
	return value, ok
}

// GetSkill 按 ID 查找技能
func (c *AgentCard) GetSkill(id string) *AgentSkill {
	for i := range c.Skills {
		if c.Skills[i].ID == id {
			return &c.Skills[i]
		}
	}
	return nil
}

// SupportsOutputMode 检查默认输出类型
func (c *AgentCard) SupportsOutputMode(mode string) bool {
	for _, m := range c.DefaultOutputModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Validate 校验必填字段
func (c *AgentCard) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Description == "" {
		return ErrMissingDescription
	}
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.Version == "" {
		return ErrMissingVersion
	}
	return nil
}
