package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// 外部信号源以 JSON 投递信号（单对象或数组）。解析分两步：
// 先用 schema 做结构校验，再用 gjson 宽松取值，最后走 Validate 的经济校验。

const signalSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["symbol", "direction", "entry", "stop_loss"],
  "properties": {
    "symbol": {"type": "string", "minLength": 1},
    "direction": {"enum": ["long", "short"]},
    "entry": {"type": "number", "exclusiveMinimum": 0},
    "stop_loss": {"type": "number", "exclusiveMinimum": 0},
    "targets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["price", "ratio"],
        "properties": {
          "price": {"type": "number", "exclusiveMinimum": 0},
          "ratio": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
        }
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risk_reward": {"type": "number", "minimum": 0}
  }
}`

var signalSchema = jsonschema.MustCompileString("signal.schema.json", signalSchemaJSON)

// CoerceArrayJSON 将外部源产出归一成 JSON 数组：
// 数组原样返回；含 signals 字段的对象取其数组；单信号对象包成数组。
func CoerceArrayJSON(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("signal json 内容为空")
	}
	if !gjson.Valid(raw) {
		return "", fmt.Errorf("signal json 格式无效")
	}
	parsed := gjson.Parse(raw)
	if parsed.IsArray() {
		return raw, nil
	}
	if !parsed.IsObject() {
		return "", fmt.Errorf("根节点必须是 JSON 数组或对象")
	}
	if signals := parsed.Get("signals"); signals.Exists() {
		if !signals.IsArray() {
			return "", fmt.Errorf("signals 必须是数组")
		}
		return strings.TrimSpace(signals.Raw), nil
	}
	if strings.TrimSpace(parsed.Get("symbol").String()) == "" {
		return "", fmt.Errorf("根节点为对象但未包含 signals 数组或 symbol 字段")
	}
	return "[" + raw + "]", nil
}

// DecodeJSON 解析单个信号对象。结构不符合 schema 或经济校验失败都返回错误。
func DecodeJSON(raw string) (Signal, error) {
	raw = strings.TrimSpace(raw)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Signal{}, fmt.Errorf("signal json 解析失败: %w", err)
	}
	if err := signalSchema.Validate(doc); err != nil {
		return Signal{}, fmt.Errorf("signal schema 校验失败: %w", err)
	}
	parsed := gjson.Parse(raw)
	sig := Signal{
		Symbol:     strings.ToUpper(strings.TrimSpace(parsed.Get("symbol").String())),
		Direction:  Direction(strings.ToLower(strings.TrimSpace(parsed.Get("direction").String()))),
		Entry:      parsed.Get("entry").Float(),
		StopLoss:   parsed.Get("stop_loss").Float(),
		Confidence: parsed.Get("confidence").Float(),
		RiskReward: parsed.Get("risk_reward").Float(),
	}
	parsed.Get("targets").ForEach(func(_, t gjson.Result) bool {
		sig.Targets = append(sig.Targets, Target{
			Price: t.Get("price").Float(),
			Ratio: t.Get("ratio").Float(),
		})
		return true
	})
	if sig.RiskReward == 0 && len(sig.Targets) > 0 {
		sig.RiskReward = ExpectedRR(sig.Direction, sig.Entry, sig.Targets[0].Price, sig.StopLoss)
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

// DecodeArrayJSON 解析信号数组（先归一再逐条解码）。
func DecodeArrayJSON(raw string) ([]Signal, error) {
	arr, err := CoerceArrayJSON(raw)
	if err != nil {
		return nil, err
	}
	var out []Signal
	var firstErr error
	gjson.Parse(arr).ForEach(func(idx, item gjson.Result) bool {
		sig, err := DecodeJSON(item.Raw)
		if err != nil {
			firstErr = fmt.Errorf("signal #%d: %w", int(idx.Int())+1, err)
			return false
		}
		out = append(out, sig)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
