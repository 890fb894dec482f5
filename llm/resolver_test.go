package llm

import "testing"

func TestResolve(t *testing.T) {
	t.Run("anthropic", func(t *testing.T) {
		client, model, err := Resolve("anthropic:claude-sonnet-4-0", "sk-test", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := client.(*AnthropicClient); !ok {
			t.Errorf("client type %T", client)
		}
		if model != "claude-sonnet-4-0" {
			t.Errorf("model %q", model)
		}
	})

	t.Run("openai", func(t *testing.T) {
		client, model, err := Resolve("openai:gpt-4o", "sk-test", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := client.(*OpenAIClient); !ok {
			t.Errorf("client type %T", client)
		}
		if model != "gpt-4o" {
			t.Errorf("model %q", model)
		}
	})

	t.Run("ollama needs no key", func(t *testing.T) {
		if _, _, err := Resolve("ollama:llama3", "", ""); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, _, err := Resolve("openai:gpt-4o", "", ""); err == nil {
			t.Error("expected error without api key")
		}
	})

	t.Run("bad spec", func(t *testing.T) {
		for _, spec := range []string{"", "gpt-4o", "openai:", "mystery:model"} {
			if _, _, err := Resolve(spec, "k", ""); err == nil {
				t.Errorf("spec %q should fail", spec)
			}
		}
	})
}
