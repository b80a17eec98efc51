package vendors

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"VoiceBargainer/internal/model"
)

// ErrInvalidFile 商家文件格式或内容错误
var ErrInvalidFile = errors.New("invalid vendor file")

// File 一次批量谈判的输入：行程加商家列表
type File struct {
	Trip    model.TripContext `yaml:"trip"`
	Vendors []model.Vendor    `yaml:"vendors"`
}

// Load 读取并校验商家文件
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vendor file: %w", err)
	}
	return Parse(raw)
}

// Parse 解析YAML，未知字段视为错误
func Parse(raw []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	for i := range f.Vendors {
		v := &f.Vendors[i]
		v.Name = strings.TrimSpace(v.Name)
		v.Phone = strings.ReplaceAll(strings.TrimSpace(v.Phone), " ", "")
		v.Category = strings.ToLower(strings.TrimSpace(v.Category))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate 检查行程必填字段和每个商家
func (f *File) Validate() error {
	if len(f.Vendors) == 0 {
		return fmt.Errorf("%w: no vendors", ErrInvalidFile)
	}
	var problems []string
	for i, v := range f.Vendors {
		if v.Name == "" {
			problems = append(problems, fmt.Sprintf("vendors[%d]: missing name", i))
		}
		if !strings.HasPrefix(v.Phone, "+") || len(v.Phone) < 8 {
			problems = append(problems, fmt.Sprintf("vendors[%d]: phone %q is not E.164", i, v.Phone))
		}
		if err := f.Trip.Validate(v.Category); err != nil {
			problems = append(problems, fmt.Sprintf("vendors[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(problems, "; "))
	}
	return nil
}

// Marshal 写回YAML，便于生成示例文件
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
