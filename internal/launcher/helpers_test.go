package launcher

import (
	"mllaunch/internal/config"
	"mllaunch/internal/envprov"
)

const envprovMarker = envprov.MarkerFile

func settingsForTest() config.Settings {
	return config.Defaults(config.VariantDefaults{BaseDir: "/srv", RepoDirName: "app", Branch: "main", EnvName: "app", Port: 7860})
}
