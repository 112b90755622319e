package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/story"
)

const usage = `usage: storyctl <command> [flags] [script]

commands:
  parse     print the parsed scene as JSON
  compile   print the playback directives for a script
  format    print the script in canonical form
  schema    print the JSON schema of the parsed scene format

Scripts are read from the given path, or stdin when the path is "-" or absent.
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "storyctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("storyctl "+cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	manifestPath := fs.String("manifest", "", "story manifest YAML for the voice table (compile only)")
	withContext := fs.Bool("context", false, "prepend the manifest context directive (compile only)")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch cmd {
	case "schema":
		return printSchema(stdout)
	case "parse", "compile", "format":
	default:
		return errUsage
	}

	text, err := readScript(fs.Arg(0), stdin)
	if err != nil {
		return err
	}
	sc := story.Parse(text)

	switch cmd {
	case "parse":
		return writeJSON(stdout, sc)
	case "format":
		_, err := io.WriteString(stdout, story.Format(sc))
		return err
	default:
		m, err := story.LoadManifest(*manifestPath)
		if err != nil {
			return err
		}
		voices := playback.VoiceMapFromManifest(m)
		var directives []playback.Directive
		if *withContext {
			directives = playback.Plan(m.Context, []story.Scene{sc}, voices)
		} else {
			for _, el := range sc.Elements {
				directives = append(directives, playback.Compile(el, voices))
			}
		}
		return writeJSON(stdout, directives)
	}
}

func readScript(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func printSchema(w io.Writer) error {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&story.Scene{})
	schema.Title = "Story scene"
	return writeJSON(w, schema)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
