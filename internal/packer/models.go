package packer

// PackerInfo 加固检测结果
type PackerInfo struct {
	IsPacked   bool     `json:"is_packed"`   // 是否加固
	PackerName string   `json:"packer_name"` // 加固名称
	PackerType string   `json:"packer_type"` // 加固类型: dex_encrypt/native/vmp
	Confidence float64  `json:"confidence"`  // 置信度 0-1
	Indicators []string `json:"indicators"`  // 命中的特征
}

// PackerType 加固类型枚举
const (
	PackerTypeNative     = "native"      // 原生库加密
	PackerTypeDexEncrypt = "dex_encrypt" // DEX加密
	PackerTypeVMP        = "vmp"         // 虚拟机保护
	PackerTypeUnknown    = "unknown"     // 未知类型
)

// PackerRule 加固检测规则
type PackerRule struct {
	Name       string       // 加固名称
	Type       string       // 加固类型
	NativeLibs []string     // 特征Native库
	Assets     []string     // 归档内特征路径前缀
	ClassNames []string     // 特征入口类
	FileSize   FileSizeRule // DEX/Native大小异常规则
	Priority   int          // 优先级 (越大越优先匹配)
}

// FileSizeRule 文件大小规则
type FileSizeRule struct {
	DEXMaxKB    int64 // DEX最大KB（小于此值可疑）
	NativeMinMB int64 // Native库最小MB（大于此值可疑）
}
