package calc

import (
	"fmt"
	"sort"
	"strings"
)

// Setting keys understood by the steps.
const (
	SettingParentFolderSymlink    = "PARENT_FOLDER_SYMLINK"
	SettingCmdline                = "CMDLINE"
	SettingNpools                 = "npools"
	SettingAdditionalRetrieveList = "ADDITIONAL_RETRIEVE_LIST"
	SettingParentCalcOutSubfolder = "PARENT_CALC_OUT_SUBFOLDER"
	SettingNamelists              = "NAMELISTS"
	SettingOnlyInitialization     = "ONLY_INITIALIZATION"
)

// Settings are step options that do not belong in the input deck.
type Settings map[string]any

// DefaultSettings are used when a caller passes nil settings: symlink the
// parent folder.
func DefaultSettings() Settings {
	return Settings{SettingParentFolderSymlink: true}
}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns base overlaid with s. Keys of s win.
func (s Settings) Merge(base Settings) Settings {
	out := base.Clone()
	if out == nil {
		out = Settings{}
	}
	for k, v := range s {
		out[k] = v
	}
	return out
}

// settingsView reads settings while tracking which keys were consumed.
type settingsView struct {
	s    Settings
	used map[string]bool
}

// view returns a reader over s, or over DefaultSettings when s is nil.
func (s Settings) view() *settingsView {
	if s == nil {
		s = DefaultSettings()
	}
	return &settingsView{s: s, used: make(map[string]bool)}
}

func (v *settingsView) Bool(key string, def bool) (bool, error) {
	v.used[key] = true
	raw, ok := v.s[key]
	if !ok {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, configError("settings."+key, "must be a boolean, got %T", raw)
	}
	return b, nil
}

func (v *settingsView) Int(key string, def int) (int, error) {
	v.used[key] = true
	raw, ok := v.s[key]
	if !ok {
		return def, nil
	}
	n, ok := asInt(raw)
	if !ok {
		return 0, configError("settings."+key, "must be an integer, got %T", raw)
	}
	return n, nil
}

func (v *settingsView) String(key string, def string) (string, error) {
	v.used[key] = true
	raw, ok := v.s[key]
	if !ok {
		return def, nil
	}
	str, ok := raw.(string)
	if !ok {
		return "", configError("settings."+key, "must be a string, got %T", raw)
	}
	return str, nil
}

// Strings reads a list of strings. present is false when the key is absent.
func (v *settingsView) Strings(key string) (values []string, present bool, err error) {
	v.used[key] = true
	raw, ok := v.s[key]
	if !ok {
		return nil, false, nil
	}
	switch list := raw.(type) {
	case []string:
		return append([]string(nil), list...), true, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, true, configError("settings."+key, "must be a list of strings")
			}
			out = append(out, str)
		}
		return out, true, nil
	default:
		return nil, true, configError("settings."+key, "must be a list of strings, got %T", raw)
	}
}

// Unused returns the keys that were never read, sorted.
func (v *settingsView) Unused() []string {
	var out []string
	for k := range v.s {
		if !v.used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (v *settingsView) rejectUnused() error {
	if unknown := v.Unused(); len(unknown) > 0 {
		return configError("settings", "contained unexpected keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// commonCmdline returns CMDLINE followed by -npools N. N defaults to the
// number of processes per machine.
func (v *settingsView) commonCmdline(res Resources) ([]string, error) {
	cmd, _, err := v.Strings(SettingCmdline)
	if err != nil {
		return nil, err
	}
	npools, err := v.Int(SettingNpools, res.procsPerMachine())
	if err != nil {
		return nil, err
	}
	return append(cmd, "-npools", fmt.Sprint(npools)), nil
}
