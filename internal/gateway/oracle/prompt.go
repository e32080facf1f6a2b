package oracle

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed prompts/*.txt
var defaultPrompts embed.FS

const (
	systemPromptName = "system"
	userPromptName   = "user"
)

// PromptData is the view rendered into the user template.
type PromptData struct {
	Symbol             string
	Price              float64
	Score              float64
	Grade              string
	CCI                float64
	ChangePct          float64
	DistanceMA20Pct    float64
	VolumeRatio        float64
	ConsecutiveBullish int
	CandleScore        float64

	Mode           string
	IndexSymbol    string
	IndexChangePct float64
	IndexAboveMA   bool
}

// Prompts 管理 system/user 两个模板：内置默认值，可被目录下同名 .txt 覆盖
type Prompts struct {
	dir    string
	system string
	user   *template.Template
}

func NewPrompts(dir string) *Prompts { return &Prompts{dir: strings.TrimSpace(dir)} }

// Load reads the embedded defaults and then any overrides from dir.
func (p *Prompts) Load() error {
	texts := make(map[string]string, 2)
	for _, name := range []string{systemPromptName, userPromptName} {
		b, err := defaultPrompts.ReadFile("prompts/" + name + ".txt")
		if err != nil {
			return fmt.Errorf("读取内置模板失败 %s: %w", name, err)
		}
		texts[name] = string(b)
	}
	if p.dir != "" {
		entries, err := os.ReadDir(p.dir)
		if err != nil {
			return fmt.Errorf("读取提示词目录失败: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".txt") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if _, ok := texts[name]; !ok {
				continue
			}
			path := filepath.Join(p.dir, e.Name())
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("读取模板失败 %s: %w", path, err)
			}
			texts[name] = string(b)
		}
	}
	tpl, err := template.New(userPromptName).Option("missingkey=error").Parse(texts[userPromptName])
	if err != nil {
		return fmt.Errorf("解析 user 模板失败: %w", err)
	}
	p.system = strings.TrimSpace(texts[systemPromptName])
	p.user = tpl
	return nil
}

func (p *Prompts) System() string { return p.system }

func (p *Prompts) User(data PromptData) (string, error) {
	if p.user == nil {
		return "", fmt.Errorf("prompts not loaded")
	}
	var buf bytes.Buffer
	if err := p.user.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
