package appconfig

import "path/filepath"

// ForgeValues are the Forge/Forge Classic config.json keys the launcher owns.
// Empty output or temp leave the corresponding keys alone.
func ForgeValues(output, temp string, autoLaunch bool) map[string]any {
	v := map[string]any{}
	if output != "" {
		v["outdir_txt2img_samples"] = filepath.Join(output, "txt2img-images")
		v["outdir_img2img_samples"] = filepath.Join(output, "img2img-images")
		v["outdir_extras_samples"] = filepath.Join(output, "extras-images")
		v["outdir_txt2img_grids"] = filepath.Join(output, "txt2img-grids")
		v["outdir_img2img_grids"] = filepath.Join(output, "img2img-grids")
		v["outdir_save"] = filepath.Join(output, "save")
		v["outdir_init_images"] = filepath.Join(output, "init-images")
	}
	if temp != "" {
		v["temp_dir"] = temp
	}
	if autoLaunch {
		v["auto_launch_browser"] = "Local"
	} else {
		v["auto_launch_browser"] = "Disable"
	}
	return v
}

// WanValues are the wgp_config.json keys the launcher owns.
func WanValues(output string) map[string]any {
	v := map[string]any{}
	if output != "" {
		v["save_path"] = filepath.Join(output, "videos")
		v["image_save_path"] = filepath.Join(output, "images")
	}
	return v
}
