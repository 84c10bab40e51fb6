package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gadgetctl":
		return gadgetctlTemplate, nil
	case "capture":
		return captureTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const gadgetctlTemplate = `role = "peripheral"
mtu = 128
max_transaction_size = 5000
transaction_timeout = "30s"
ack_timeout = "20s"

admin_addr = ":9400"
admin_token = ""
bridge_path = "/link"
cors_origins = ["http://localhost:3000"]

peer_url = "ws://127.0.0.1:9400/link"
dial_attempts = 5
read_timeout = "60s"
`

const captureTemplate = `name = "device-info"
role = "peripheral"
mtu = 128
max_transaction_size = 5000

[[deliveries]]
note = "GetDeviceInformation"
hex = "00 00 00 00 02 02 08 14"

[[deliveries]]
note = "GetDeviceFeatures"
hex = "02 00 00 00 02 02 08 1c"
`
