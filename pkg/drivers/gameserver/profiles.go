package gameserver

import (
	"fmt"

	"github.com/vespo92/boonerd/pkg/controlplane"
)

// GameType identifies a supported game server profile.
type GameType string

const (
	GameMinecraft GameType = "minecraft"
	GameCS2       GameType = "cs2"
	GameValheim   GameType = "valheim"
)

// profile knows how to turn a validated spec into a container spec for one
// game. The port mappings and images follow the upstream community images
// for each game.
type profile struct {
	image         string
	containerFunc func(spec *Spec) controlplane.ContainerSpec
}

var profiles = map[GameType]profile{
	GameMinecraft: {
		image: "itzg/minecraft-server",
		containerFunc: func(spec *Spec) controlplane.ContainerSpec {
			env := map[string]string{
				"EULA":        "TRUE",
				"MEMORY":      spec.Memory,
				"SERVER_NAME": spec.Name,
			}
			mergeSettings(env, spec.Settings)
			return controlplane.ContainerSpec{
				Name:     containerName(GameMinecraft, spec.Name),
				Image:    "itzg/minecraft-server",
				Ports:    []string{fmt.Sprintf("%d:25565/tcp", spec.Port)},
				Env:      env,
				Volumes:  []string{fmt.Sprintf("minecraft-%s-data:/data", spec.Name)},
				Memory:   spec.Memory,
				CPULimit: spec.CPULimit,
			}
		},
	},
	GameCS2: {
		image: "cm2network/cs2",
		containerFunc: func(spec *Spec) controlplane.ContainerSpec {
			env := map[string]string{
				"SERVER_HOSTNAME": spec.Name,
				"SERVER_PASSWORD": stringSetting(spec.Settings, "password", ""),
				"RCON_PASSWORD":   stringSetting(spec.Settings, "rcon_password", "changeme"),
			}
			return controlplane.ContainerSpec{
				Name:  containerName(GameCS2, spec.Name),
				Image: "cm2network/cs2",
				Ports: []string{
					fmt.Sprintf("%d:27015/tcp", spec.Port),
					fmt.Sprintf("%d:27015/udp", spec.Port),
					fmt.Sprintf("%d:27020/udp", spec.Port+1),
				},
				Env:      env,
				Volumes:  []string{fmt.Sprintf("cs2-%s-data:/home/steam/cs2-dedicated", spec.Name)},
				Memory:   spec.Memory,
				CPULimit: spec.CPULimit,
			}
		},
	},
	GameValheim: {
		image: "lloesche/valheim-server",
		containerFunc: func(spec *Spec) controlplane.ContainerSpec {
			env := map[string]string{
				"SERVER_NAME": spec.Name,
				"WORLD_NAME":  stringSetting(spec.Settings, "world_name", "Dedicated"),
				"SERVER_PASS": stringSetting(spec.Settings, "password", "changeme"),
			}
			return controlplane.ContainerSpec{
				Name:  containerName(GameValheim, spec.Name),
				Image: "lloesche/valheim-server",
				Ports: []string{
					fmt.Sprintf("%d:2456/udp", spec.Port),
					fmt.Sprintf("%d:2457/udp", spec.Port+1),
					fmt.Sprintf("%d:2458/udp", spec.Port+2),
				},
				Env:      env,
				Volumes:  []string{fmt.Sprintf("valheim-%s-data:/opt/valheim", spec.Name)},
				Memory:   spec.Memory,
				CPULimit: spec.CPULimit,
			}
		},
	},
}

// containerName derives the deterministic container name for a server.
// Teardown and idempotent re-apply both rely on this being stable.
func containerName(game GameType, name string) string {
	return fmt.Sprintf("%s-%s", game, name)
}

func mergeSettings(env map[string]string, settings map[string]any) {
	for k, v := range settings {
		env[k] = fmt.Sprintf("%v", v)
	}
}

func stringSetting(settings map[string]any, key, fallback string) string {
	if v, ok := settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}
