package packer

// 评分权重，累计达到 matchThreshold 视为命中
const (
	weightEntryPoint = 0.6
	weightNativeLib  = 0.4
	weightAsset      = 0.3
	weightSize       = 0.3
	matchThreshold   = 0.4
)

// vendor 按厂商描述一条特征，入口类与 native 库为主，资产路径为辅
func vendor(name, typ string, priority int, entry []string, libs []string, assets ...string) PackerRule {
	return PackerRule{
		Name:       name,
		Type:       typ,
		ClassNames: entry,
		NativeLibs: libs,
		Assets:     assets,
		Priority:   priority,
	}
}

// builtinRules 内置特征库；自身产物排在最前，便于拒绝重复加固
var builtinRules = []PackerRule{
	vendor("APK Protector", PackerTypeDexEncrypt, 110,
		[]string{"com.apkprotector.stub.ProtectedApp"}, nil,
		"assets/payload.pldx"),

	// 国内厂商
	vendor("360加固", PackerTypeNative, 100,
		[]string{"com.stub.StubApp", "com.qihoo.util.QHClassLoader"},
		[]string{"libjiagu.so", "libjiagu_a64.so", "libjiagu_x86.so", "libjiagu_x64.so"},
		"assets/libjiagu", "assets/.appkey"),
	vendor("腾讯乐固", PackerTypeNative, 100,
		[]string{"com.tencent.StubShell.TxAppEntry"},
		[]string{"libshell.so", "libshella.so", "libshellx.so", "libtxmsecurity.so"},
		"assets/tosversion", "assets/0OO00l111l1l"),
	vendor("爱加密", PackerTypeNative, 100,
		[]string{"com.shell.SuperApplication"},
		[]string{"libexec.so", "libexecmain.so"},
		"assets/ijiami.dat", "assets/ijm_lib/"),
	vendor("梆梆加固", PackerTypeNative, 100,
		[]string{"com.secneo.apkwrapper.ApplicationWrapper"},
		[]string{"libDexHelper.so", "libSecShell.so"},
		"assets/secData0.jar", "assets/bangcleplugin/"),
	vendor("娜迦加固", PackerTypeNative, 95,
		[]string{"com.nagapt.protect.StubApplication"},
		[]string{"libnaga.so", "libddog.so", "libedog.so"},
		"assets/chaosvmp"),
	vendor("网易易盾", PackerTypeNative, 95,
		[]string{"com.netease.nis.wrapper.MyApplication"},
		[]string{"libnesec.so", "libNetHTProtect.so"}),
	vendor("阿里聚安全", PackerTypeNative, 95,
		[]string{"com.alibaba.wireless.security.open.SecurityGuardManager"},
		[]string{"libmobisec.so", "libsgmain.so", "libsgsecuritybody.so"},
		"assets/aliprotector.dat"),
	vendor("百度加固", PackerTypeNative, 90,
		[]string{"com.baidu.protect.StubApplication"},
		[]string{"libbaiduprotect.so", "libcocklogic.so"},
		"assets/baiduprotect"),
	vendor("通付盾", PackerTypeNative, 90,
		[]string{"com.payegis.protect.StubApp"},
		[]string{"libegis.so", "libNSaferOnly.so"}),
	vendor("几维安全", PackerTypeNative, 85,
		[]string{"com.kiwisec.android.loader.KWLoader"},
		[]string{"libkwscmm.so", "libkwscr.so"}),
	vendor("顶像加固", PackerTypeNative, 85,
		[]string{"com.dingxiang.mobile.ShieldApp"},
		[]string{"libx3g.so", "libdxoptimizer.so"}),

	// 海外厂商
	vendor("DexProtector", PackerTypeVMP, 80, nil,
		[]string{"libdexprotector.so"},
		"assets/dp.arm", "assets/classes.dex.dat"),
	vendor("Arxan", PackerTypeNative, 75, nil,
		[]string{"libArxan.so", "libArxanJNI.so"}),
	vendor("AppSealing", PackerTypeNative, 75, nil,
		[]string{"libAppSealing.so", "libAppSealingCore.so"},
		"assets/AppSealing/"),

	// 无厂商特征时按体积兜底
	{Name: "未知壳 (DEX异常小)", Type: PackerTypeUnknown, FileSize: FileSizeRule{DEXMaxKB: 100}, Priority: 10},
	{Name: "未知壳 (Native库异常大)", Type: PackerTypeUnknown, FileSize: FileSizeRule{NativeMinMB: 10}, Priority: 10},
}

// BuiltinRules 返回内置特征库的副本
func BuiltinRules() []PackerRule {
	out := make([]PackerRule, len(builtinRules))
	copy(out, builtinRules)
	return out
}
