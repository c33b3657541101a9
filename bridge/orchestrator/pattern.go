package orchestrator

import (
	"strings"
	"unicode"
)

// Pattern 工作流模式
type Pattern string

const (
	PatternDataOnly     Pattern = "DATA_ONLY"
	PatternDataAnalysis Pattern = "DATA_ANALYSIS"
	PatternFullPipeline Pattern = "FULL_PIPELINE"
)

// Step 工作流步骤，同时是对端代理的名称
type Step string

const (
	StepDataCollection Step = "data_collection"
	StepAnalysis       Step = "analysis"
	StepTrading        Step = "trading"
)

// AllSteps 全部步骤，按执行顺序
var AllSteps = []Step{StepDataCollection, StepAnalysis, StepTrading}

var (
	tradingKeywords = []string{
		"trade", "trading", "buy", "sell", "order", "execute",
		"매수", "매도", "거래", "주문", "매매",
	}
	analysisKeywords = []string{
		"analy", "forecast", "predict", "trend", "report", "evaluate", "compare",
		"분석", "예측", "전망", "추세", "평가", "비교",
	}
)

// Classify 按关键词判定模式：含交易词为完整流水线，含分析词为数据+分析，否则只采集数据
func Classify(text string) Pattern {
	words := tokenize(text)
	switch {
	case matchAny(words, tradingKeywords):
		return PatternFullPipeline
	case matchAny(words, analysisKeywords):
		return PatternDataAnalysis
	default:
		return PatternDataOnly
	}
}

// StepsFor 返回模式对应的步骤序列（新切片）
func StepsFor(p Pattern) []Step {
	switch p {
	case PatternFullPipeline:
		return []Step{StepDataCollection, StepAnalysis, StepTrading}
	case PatternDataAnalysis:
		return []Step{StepDataCollection, StepAnalysis}
	default:
		return []Step{StepDataCollection}
	}
}

// tokenize 按非字母数字切分并转小写
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// matchAny 拉丁关键词须位于词首（"order" 匹配 "orders" 但不匹配 "border"），
// 韩文关键词允许出现在词中，因为助词和语尾直接黏着在词干后
func matchAny(words, keywords []string) bool {
	for _, w := range words {
		for _, k := range keywords {
			if isLatin(k) {
				if strings.HasPrefix(w, k) {
					return true
				}
			} else if strings.Contains(w, k) {
				return true
			}
		}
	}
	return false
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
