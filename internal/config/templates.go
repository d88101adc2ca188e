package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "beaconctl":
		return beaconctlTemplate, nil
	case "deployment":
		return deploymentTemplate, nil
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

const deploymentTemplate = `[deployment]
beacon_owner = "admin.local"

[[deployment.proxies]]
value = 100
owner = "owner.a"

[[deployment.proxies]]
value = 200
owner = "owner.b"

[[deployment.proxies]]
value = 300
owner = "owner.c"
`

const beaconctlTemplate = `name = "beaconctl"
database = "beaconctl.db"
listen = "127.0.0.1:9300"
token = "temp-auth-key"
cors_origins = ["http://localhost:3000"]
log_level = "info"

` + deploymentTemplate
