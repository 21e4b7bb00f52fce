package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/idiamant2mqtt/internal/auth"
	"github.com/jkaflik/idiamant2mqtt/internal/clock"
	"github.com/jkaflik/idiamant2mqtt/internal/mqtt"
	"github.com/jkaflik/idiamant2mqtt/internal/netatmo"
	"github.com/jkaflik/idiamant2mqtt/internal/poller"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter/driver"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	envPath := flag.String("env", ".env", ".env file path")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("%s: %s", *envPath, err)
	}

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	loadConfigFromYamlFile(*configPath)

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	policy, err := shutter.ParseUnknownStatePolicy(Cfg.Shutter.UnknownStatePolicy)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := auth.NewProvider(ctx, oauthConfigFromConfig(), auth.NewFileStore(Cfg.Netatmo.TokenFile))
	if err != nil {
		logrus.Fatal(err)
	}

	client := netatmo.NewClient(Cfg.Netatmo.APIURL, &http.Client{
		Transport: provider.Transport(),
		Timeout:   30 * time.Second,
	})
	home, err := client.Discover(ctx)
	if err != nil {
		logrus.Fatal(err)
	}

	clk := clock.NewReal()

	var (
		bridge *mqtt.Bridge
		bus    mqtt.Bus
		engine *shutter.Engine
	)
	connected := make(chan struct{}, 1)

	opts := pahoOptsFromConfig()
	opts.OnConnect = func(paho.Client) {
		logrus.Info("MQTT broker connected")
		subscribe(ctx, bus, bridge, engine, client.BridgeID())
		select {
		case connected <- struct{}{}:
		default:
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(opts)
	bus = mqtt.NewPahoBus(m, 0)
	bridge = mqtt.NewBridge(bus, Cfg.MQTT.TopicPrefix, Cfg.Shutter.HalfOpenPosition)
	engine = shutter.NewEngine(clk, timingsFromConfig(), commanderFromConfig(client), bridge)
	reconciler := shutter.NewReconciler(engine)

	var ids []string
	for _, module := range home.Shutters() {
		engine.Register(shutter.NewDevice(module.ID, shutter.NormalizeName(module.Name, Cfg.Netatmo.DecorativeWords)))
		ids = append(ids, module.ID)
	}
	logrus.Infof("%d shutters discovered in home %s", len(ids), home.ID)

	provider.OnRefresh(func(tok *oauth2.Token) {
		if err := bridge.PublishTokenExpiry(tok.Expiry); err != nil {
			logrus.Errorf("%s: token expiry publish failed: %s", mqtt.BridgeDeviceID, err)
		}
	})
	bridge.OnRefreshToken(provider.Refresh)

	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}
	<-connected

	if err := bridge.PublishTokenExpiry(provider.Expiry()); err != nil {
		logrus.Error(err)
	}
	if err := bridge.Restore(ids, reconciler); err != nil {
		logrus.Error(err)
	}

	go poller.New(driver.NewNetatmoStatus(client), reconciler, clk, Cfg.Netatmo.PollInterval).Run(ctx)

	settle := clk.AfterFunc(Cfg.Shutter.SettleTime, func() {
		if err := bridge.EndRestore(); err != nil {
			logrus.Error(err)
		}
		reconciler.ResolveUnknown(ctx, policy)
	})

	<-ctx.Done()
	logrus.Info("shutting down")

	settle.Stop()
	engine.Close()
	if err := bridge.Unsubscribe(); err != nil {
		logrus.Error(err)
	}
	if err := bridge.PublishAvailability(false); err != nil {
		logrus.Error(err)
	}
	m.Disconnect(250)
}

// subscribe runs on every (re)connection: the broker forgets subscriptions of
// a clean session.
func subscribe(ctx context.Context, bus mqtt.Bus, bridge *mqtt.Bridge, engine *shutter.Engine, bridgeID string) {
	if err := bridge.PublishAvailability(true); err != nil {
		logrus.Error(err)
	}

	if Cfg.HASS.Enabled {
		configs := mqtt.NewHAGatewayDiscovery(bridge, Cfg.HASS.TopicPrefix, bridgeID)
		for _, d := range engine.Devices() {
			configs = append(configs, mqtt.NewHAShutterDiscovery(bridge, Cfg.HASS.TopicPrefix, d, bridgeID)...)
		}
		if err := mqtt.PublishHAAutoDiscovery(bus, configs...); err != nil {
			logrus.Error(err)
		}
	}

	if err := bridge.Subscribe(ctx, engine); err != nil {
		logrus.Error(err)
	}
}
