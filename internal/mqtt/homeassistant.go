package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/pkg/errors"
)

const (
	haManufacturer = "Bubendorff"
	haOrigin       = "idiamant2mqtt"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SerialNumber string   `json:"sn,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"dev_cla,omitempty"`
	Icon              string `json:"ic,omitempty"`

	Device haDevice `json:"dev"`
}

type haCover struct {
	haEntity
	StateTopic     string `json:"stat_t"`
	CommandTopic   string `json:"cmd_t"`
	PositionTopic  string `json:"pos_t"`
	PositionOpen   int    `json:"pos_open"`
	PositionClosed int    `json:"pos_clsd"`
	PayloadOpen    string `json:"pl_open"`
	PayloadStop    string `json:"pl_stop"`
	PayloadClose   string `json:"pl_cls"`
	StateOpen      string `json:"stat_open"`
	StateOpening   string `json:"stat_opening"`
	StateClosed    string `json:"stat_clsd"`
	StateClosing   string `json:"stat_closing"`
	StateStopped   string `json:"stat_stopped"`
}

type haBinarySensor struct {
	haEntity
	StateTopic string `json:"stat_t"`
	PayloadOn  string `json:"pl_on"`
	PayloadOff string `json:"pl_off"`
}

type haSensor struct {
	haEntity
	StateTopic string `json:"stat_t"`
}

type haButton struct {
	haEntity
	CommandTopic string `json:"cmd_t"`
	PayloadPress string `json:"pl_prs"`
}

// HADiscovery is one retained discovery config.
type HADiscovery struct {
	Topic   string
	Payload interface{}
}

// haObjectID keeps only characters Home Assistant accepts in object ids.
func haObjectID(id string) string {
	return "idiamant_" + strings.NewReplacer(":", "", "/", "_", " ", "_").Replace(strings.ToLower(id))
}

func haDisplayName(name string) string {
	if name == "" {
		return ""
	}

	return "Volet " + strings.ToUpper(name[:1]) + name[1:]
}

// NewHAShutterDiscovery returns the cover of a device plus a connectivity
// sensor fed by its lwt topic.
func NewHAShutterDiscovery(bridge *Bridge, hassPrefix string, d shutter.Device, bridgeID string) []HADiscovery {
	objectID := haObjectID(d.ID)
	device := haDevice{
		Identifiers:  []string{objectID},
		Manufacturer: haManufacturer,
		Model:        "iDiamant shutter",
		Name:         haDisplayName(d.Name),
		SerialNumber: d.ID,
		SWVersion:    haOrigin,
	}
	if bridgeID != "" {
		device.ViaDevice = haObjectID(bridgeID)
	}

	cover := haCover{
		haEntity: haEntity{
			AvailabilityTopic: bridge.AvailabilityTopic(BridgeDeviceID),
			UniqueID:          objectID,
			Name:              haDisplayName(d.Name),
			DeviceClass:       "shutter",
			Device:            device,
		},
		StateTopic:     bridge.Topic(d.ID, coverStateTopic),
		CommandTopic:   bridge.CommandTopic(d.ID),
		PositionTopic:  bridge.Topic(d.ID, positionTopic),
		PositionOpen:   shutter.FullOpenPosition,
		PositionClosed: shutter.FullClosePosition,
		PayloadOpen:    string(shutter.OpenCommand),
		PayloadStop:    string(shutter.StopCommand),
		PayloadClose:   string(shutter.CloseCommand),
		StateOpen:      string(shutter.OpenState),
		StateOpening:   string(shutter.OpeningState),
		StateClosed:    string(shutter.ClosedState),
		StateClosing:   string(shutter.ClosingState),
		StateStopped:   string(shutter.StoppedState),
	}

	connectivity := haBinarySensor{
		haEntity: haEntity{
			UniqueID:    objectID + "_connectivity",
			Name:        "Connectivity",
			DeviceClass: "connectivity",
			Device:      device,
		},
		StateTopic: bridge.AvailabilityTopic(d.ID),
		PayloadOn:  Online,
		PayloadOff: Offline,
	}

	return []HADiscovery{
		{Topic: fmt.Sprintf("%s/cover/%s/config", hassPrefix, objectID), Payload: cover},
		{Topic: fmt.Sprintf("%s/binary_sensor/%s/connectivity/config", hassPrefix, objectID), Payload: connectivity},
	}
}

// NewHAGatewayDiscovery returns the entities of the bridge itself: its
// connectivity, the token expiry and a token refresh button.
func NewHAGatewayDiscovery(bridge *Bridge, hassPrefix string, bridgeID string) []HADiscovery {
	objectID := haObjectID(bridgeID)
	device := haDevice{
		Identifiers:  []string{objectID},
		Manufacturer: "Netatmo",
		Model:        "iDiamant gateway",
		Name:         "iDiamant Gateway",
		SerialNumber: bridgeID,
		SWVersion:    haOrigin,
	}

	state := haBinarySensor{
		haEntity: haEntity{
			UniqueID:    objectID + "_state",
			Name:        "State",
			DeviceClass: "connectivity",
			Device:      device,
		},
		StateTopic: bridge.AvailabilityTopic(BridgeDeviceID),
		PayloadOn:  Online,
		PayloadOff: Offline,
	}

	expiry := haSensor{
		haEntity: haEntity{
			AvailabilityTopic: bridge.AvailabilityTopic(BridgeDeviceID),
			UniqueID:          objectID + "_token_expire_at",
			Name:              "Token Expire At",
			DeviceClass:       "timestamp",
			Icon:              "mdi:clock-outline",
			Device:            device,
		},
		StateTopic: bridge.Topic(BridgeDeviceID, expireAtTopic),
	}

	refresh := haButton{
		haEntity: haEntity{
			AvailabilityTopic: bridge.AvailabilityTopic(BridgeDeviceID),
			UniqueID:          objectID + "_refresh_token",
			Name:              "Refresh Token",
			Icon:              "mdi:refresh",
			Device:            device,
		},
		CommandTopic: bridge.CommandTopic(BridgeDeviceID),
		PayloadPress: RefreshTokenCommand,
	}

	return []HADiscovery{
		{Topic: fmt.Sprintf("%s/binary_sensor/%s/state/config", hassPrefix, objectID), Payload: state},
		{Topic: fmt.Sprintf("%s/sensor/%s/token_expire_at/config", hassPrefix, objectID), Payload: expiry},
		{Topic: fmt.Sprintf("%s/button/%s/refresh_token/config", hassPrefix, objectID), Payload: refresh},
	}
}

func PublishHAAutoDiscovery(bus Bus, configs ...HADiscovery) error {
	for _, c := range configs {
		payload, err := json.Marshal(c.Payload)
		if err != nil {
			return err
		}

		if err := bus.Publish(c.Topic, payload, true); err != nil {
			return errors.Wrap(err, "home assistant discovery")
		}
	}

	return nil
}
