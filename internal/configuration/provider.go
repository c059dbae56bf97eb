package configuration

type ConfigProvider interface {
	GetApplication() *AppProperties
	GetServer() *ServerProperties
	GetMetrics() *MetricsProperties
	GetLevelDB() *LevelDBProperties
	GetOplog() *OplogProperties
	GetRepl() *ReplProperties
}

type AppConfigProvider struct {
	config *Properties
}

func NewProvider(cfg *Properties) *AppConfigProvider {
	return &AppConfigProvider{config: cfg}
}

func (c *AppConfigProvider) GetApplication() *AppProperties {
	return &c.config.App
}

func (c *AppConfigProvider) GetServer() *ServerProperties {
	return &c.config.Server
}

func (c *AppConfigProvider) GetMetrics() *MetricsProperties {
	return &c.config.Metrics
}

func (c *AppConfigProvider) GetLevelDB() *LevelDBProperties {
	return &c.config.LevelDB
}

func (c *AppConfigProvider) GetOplog() *OplogProperties {
	return &c.config.Oplog
}

func (c *AppConfigProvider) GetRepl() *ReplProperties {
	return &c.config.Repl
}
