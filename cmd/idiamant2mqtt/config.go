package main

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/idiamant2mqtt/internal/auth"
	"github.com/jkaflik/idiamant2mqtt/internal/mqtt"
	"github.com/jkaflik/idiamant2mqtt/internal/netatmo"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v2"
)

type cfgMQTT struct {
	ClientID    string        `yaml:"client_id" default:"idiamant2mqtt" env:"CLIENT_ID"`
	Broker      string        `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	TopicPrefix string        `yaml:"topic_prefix" default:"idiamant" env:"TOPIC_PREFIX"`
	KeepAlive   time.Duration `yaml:"keep_alive" default:"30s" env:"KEEP_ALIVE"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgNetatmo struct {
	APIURL                string        `yaml:"api_url" default:"https://api.netatmo.com" env:"API_URL"`
	ClientID              string        `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret          string        `yaml:"client_secret" env:"CLIENT_SECRET"`
	TokenFile             string        `yaml:"token_file" default:"tokens.json" env:"TOKEN_FILE"`
	PollInterval          time.Duration `yaml:"poll_interval" default:"30s" env:"POLL_INTERVAL"`
	DryRun                bool          `yaml:"dry_run" default:"false" env:"DRY_RUN"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" default:"0" env:"MAX_CONCURRENT_REQUESTS"`
	DecorativeWords       []string      `yaml:"decorative_words" default:"volet" env:"DECORATIVE_WORDS"`
}

type cfgShutter struct {
	OpenDelay            time.Duration `yaml:"open_delay" default:"42s" env:"OPEN_DELAY"`
	CloseDelay           time.Duration `yaml:"close_delay" default:"42s" env:"CLOSE_DELAY"`
	CloseToHalfOpenDelay time.Duration `yaml:"close_to_half_open_delay" default:"4500ms" env:"CLOSE_TO_HALF_OPEN_DELAY"`
	HalfOpenToOpenDelay  time.Duration `yaml:"half_open_to_open_delay" default:"30s" env:"HALF_OPEN_TO_OPEN_DELAY"`
	HalfOpenToCloseDelay time.Duration `yaml:"half_open_to_close_delay" default:"10s" env:"HALF_OPEN_TO_CLOSE_DELAY"`
	HalfOpenPosition     int           `yaml:"half_open_position" default:"20" env:"HALF_OPEN_POSITION"`
	UnknownStatePolicy   string        `yaml:"unknown_state_policy" default:"stopped" env:"UNKNOWN_STATE_POLICY"`
	SettleTime           time.Duration `yaml:"settle_time" default:"5s" env:"SETTLE_TIME"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT    cfgMQTT    `yaml:"mqtt" env:"MQTT"`
	HASS    cfgHASS    `yaml:"hass" env:"HASS"`
	Netatmo cfgNetatmo `yaml:"netatmo" env:"NETATMO"`
	Shutter cfgShutter `yaml:"shutter" env:"SHUTTER"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "I2M",
	SkipFlags: true,
	SkipFiles: true,
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Warn(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
	}
}

func timingsFromConfig() shutter.Timings {
	return shutter.Timings{
		OpenDelay:            Cfg.Shutter.OpenDelay,
		CloseDelay:           Cfg.Shutter.CloseDelay,
		CloseToHalfOpenDelay: Cfg.Shutter.CloseToHalfOpenDelay,
		HalfOpenToOpenDelay:  Cfg.Shutter.HalfOpenToOpenDelay,
		HalfOpenToCloseDelay: Cfg.Shutter.HalfOpenToCloseDelay,
		HalfOpenPosition:     Cfg.Shutter.HalfOpenPosition,
	}
}

func oauthConfigFromConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     Cfg.Netatmo.ClientID,
		ClientSecret: Cfg.Netatmo.ClientSecret,
		Endpoint:     auth.Endpoint(Cfg.Netatmo.APIURL),
		Scopes:       auth.Scopes,
	}
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetKeepAlive(Cfg.MQTT.KeepAlive).
		SetConnectTimeout(5*time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetWill(mqtt.AvailabilityTopic(Cfg.MQTT.TopicPrefix, mqtt.BridgeDeviceID), mqtt.Offline, 0, true).
		SetOrderMatters(true).
		SetAutoReconnect(true)
}

func commanderFromConfig(client *netatmo.Client) shutter.Commander {
	var c shutter.Commander = driver.NewNetatmo(client)
	if Cfg.Netatmo.DryRun {
		logrus.Warn("dry run: commands will not reach the shutters")
		c = &driver.Dumb{}
	}

	if Cfg.Netatmo.MaxConcurrentRequests > 0 {
		return driver.NewPoolProxy(c, make(chan struct{}, Cfg.Netatmo.MaxConcurrentRequests))
	}

	return c
}
