package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/goodtune/worktimer/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the worktimer configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with non-default values highlighted")
	rootCmd.AddCommand(validateCmd)
}

// unknownKey is a config file key worktimer does not recognise.
type unknownKey struct {
	Key  string
	Line int
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, k := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s (line %d)\n", k.Key, k.Line)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpSection(reflect.ValueOf(*cfg), reflect.ValueOf(*config.Defaults()), "", 0)

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// findUnknownKeys parses the config file and reports keys that are neither
// a known setting nor a section containing one. A missing file has no
// unknown keys.
func findUnknownKeys(path string) ([]unknownKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, nil
	}

	valid := make(map[string]bool)
	sections := make(map[string]bool)
	for _, key := range config.ValidKeys() {
		valid[key] = true
		parts := strings.Split(key, ".")
		for i := 1; i < len(parts); i++ {
			sections[strings.Join(parts[:i], ".")] = true
		}
	}

	var unknown []unknownKey
	var walk func(node *yaml.Node, prefix string)
	walk = func(node *yaml.Node, prefix string) {
		if node.Kind != yaml.MappingNode {
			return
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			key := strings.ToLower(k.Value)
			if prefix != "" {
				key = prefix + "." + key
			}
			switch {
			case valid[key]:
			case sections[key]:
				walk(v, key)
			default:
				unknown = append(unknown, unknownKey{Key: key, Line: k.Line})
			}
		}
	}
	walk(root.Content[0], "")

	sort.Slice(unknown, func(i, j int) bool { return unknown[i].Line < unknown[j].Line })
	return unknown, nil
}

// dumpSection prints every field of a config struct, named by its
// mapstructure tag, highlighting values that differ from def.
func dumpSection(cur, def reflect.Value, prefix string, depth int) {
	modified := color.New(color.FgYellow, color.Bold)
	unchanged := color.New(color.FgGreen)
	indent := strings.Repeat("  ", depth)

	t := cur.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		cv, dv := cur.Field(i), def.Field(i)
		if cv.Kind() == reflect.Struct {
			_, _ = cyan.Printf("\n%s[%s]\n", indent, key)
			dumpSection(cv, dv, key, depth+1)
			continue
		}

		value, defValue := cv.Interface(), dv.Interface()
		if isSecret(name) {
			value, defValue = redact(value), redact(defValue)
		}
		if reflect.DeepEqual(value, defValue) {
			_, _ = unchanged.Printf("%s%s = %v\n", indent, name, value)
		} else {
			_, _ = modified.Printf("%s%s = %v  (modified from default: %v)\n", indent, name, value, defValue)
		}
	}
}

func isSecret(name string) bool {
	switch name {
	case "password", "api_key", "jwt_secret", "dsn":
		return true
	}
	return false
}

func redact(v interface{}) interface{} {
	if s, ok := v.(string); ok && s != "" {
		return "***REDACTED***"
	}
	return v
}
