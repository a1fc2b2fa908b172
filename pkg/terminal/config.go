package terminal

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fiberdbg/fiberdbg/pkg/config"
)

// configKey is a parameter that can be listed and changed with the config
// command.
type configKey struct {
	name string
	// show returns the current value, "" if it is not defined.
	show func(c *config.Config) string
	set  func(c *config.Config, arg string) error
}

func intKey(name string, field func(c *config.Config) **int) configKey {
	return configKey{
		name: name,
		show: func(c *config.Config) string {
			if p := *field(c); p != nil {
				return strconv.Itoa(*p)
			}
			return ""
		},
		set: func(c *config.Config, arg string) error {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("argument to %q must be a number", name)
			}
			*field(c) = &n
			return nil
		},
	}
}

func stringKey(name string, field func(c *config.Config) *string) configKey {
	return configKey{
		name: name,
		show: func(c *config.Config) string {
			if s := *field(c); s != "" {
				return strconv.Quote(s)
			}
			return ""
		},
		set: func(c *config.Config, arg string) error {
			s, err := strconv.Unquote(arg)
			if err != nil {
				s = arg
			}
			*field(c) = s
			return nil
		},
	}
}

func boolKey(name string, field func(c *config.Config) *bool) configKey {
	return configKey{
		name: name,
		show: func(c *config.Config) string {
			return strconv.FormatBool(*field(c))
		},
		set: func(c *config.Config, arg string) error {
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return fmt.Errorf("argument to %q must be true or false", name)
			}
			*field(c) = v
			return nil
		},
	}
}

var configKeys = []configKey{
	intKey("max-stack-depth", func(c *config.Config) **int { return &c.MaxStackDepth }),
	stringKey("stack-registry-symbol", func(c *config.Config) *string { return &c.StackRegistrySymbol }),
	stringKey("fiber-entity-type", func(c *config.Config) *string { return &c.FiberEntityType }),
	intKey("fiber-stack-reserved-size", func(c *config.Config) **int { return &c.FiberStackReservedSize }),
	intKey("fiber-state-dead", func(c *config.Config) **int { return &c.FiberStateDead }),
	stringKey("switch-routine", func(c *config.Config) *string { return &c.SwitchRoutine }),
	boolKey("show-instruction", func(c *config.Config) *bool { return &c.ShowInstruction }),
}

func findConfigKey(name string) *configKey {
	for i := range configKeys {
		if configKeys[i].name == name {
			return &configKeys[i]
		}
	}
	return nil
}

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	}
	name, rest := split2PartsBySpace(args)
	switch name {
	case "alias":
		return configureSetAlias(t, rest)
	case "substitute-path":
		if err := configureSetSubstitutePath(t, rest); err != nil {
			return err
		}
	default:
		if err := configureSet(t, name, rest); err != nil {
			return err
		}
	}
	t.reload()
	return nil
}

func configureList(t *Term) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)

	fmt.Fprintf(w, "aliases\t%v\n", t.conf.Aliases)
	if len(t.conf.SubstitutePath) == 0 {
		fmt.Fprintf(w, "substitute-path\t<not defined>\n")
	}
	for _, r := range t.conf.SubstitutePath {
		fmt.Fprintf(w, "substitute-path\t%q => %q\n", r.From, r.To)
	}
	for _, key := range configKeys {
		v := key.show(t.conf)
		if v == "" {
			v = "<not defined>"
		}
		fmt.Fprintf(w, "%s\t%s\n", key.name, v)
	}
	return w.Flush()
}

// configureSet changes one parameter. The previous configuration is
// restored if the new value is rejected.
func configureSet(t *Term, name, arg string) error {
	key := findConfigKey(name)
	if key == nil {
		return fmt.Errorf("%q is not a configuration parameter", name)
	}
	prev := *t.conf
	if err := key.set(t.conf, strings.TrimSpace(arg)); err != nil {
		return err
	}
	if err := t.conf.Validate(); err != nil {
		*t.conf = prev
		return err
	}
	return nil
}

func configureSetSubstitutePath(t *Term, rest string) error {
	argv, err := splitArgs(rest)
	if err != nil {
		return err
	}
	rules := t.conf.SubstitutePath
	find := func(from string) int {
		for i := range rules {
			if rules[i].From == from {
				return i
			}
		}
		return -1
	}
	switch len(argv) {
	case 1:
		i := find(argv[0])
		if i < 0 {
			return fmt.Errorf("could not find rule for %q", argv[0])
		}
		t.conf.SubstitutePath = append(rules[:i:i], rules[i+1:]...)
	case 2:
		if i := find(argv[0]); i >= 0 {
			rules[i].To = argv[1]
			return nil
		}
		t.conf.SubstitutePath = append(rules, config.SubstitutePathRule{From: argv[0], To: argv[1]})
	default:
		return fmt.Errorf("wrong number of arguments to \"config substitute-path\"")
	}
	return nil
}

// configureSetAlias adds the alias argv[1] to the command argv[0], or
// removes the alias argv[0] from every command.
func configureSetAlias(t *Term, rest string) error {
	argv, err := splitArgs(rest)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1:
		for cmd, aliases := range t.conf.Aliases {
			kept := aliases[:0:0]
			for _, a := range aliases {
				if a != argv[0] {
					kept = append(kept, a)
				}
			}
			t.conf.Aliases[cmd] = kept
		}
	case 2:
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[argv[0]] = append(t.conf.Aliases[argv[0]], argv[1])
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
