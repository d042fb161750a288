package s3

// SecureMIMETypesExtension 定義了允許上傳的metadata檔案類型及其對應的副檔名。
// 除了物品圖片外也接受JSON描述文件。
var SecureMIMETypesExtension = map[string]string{
	"image/jpeg":       "jpeg",
	"image/png":        "png",
	"image/gif":        "gif",
	"image/bmp":        "bmp",
	"image/tiff":       "tiff",
	"image/webp":       "webp",
	"application/json": "json",
}

// CheckSecureMetadataAndGetExtension 檢查給定的 MIME 類型是否為允許的metadata類型，並返回對應的副檔名
func CheckSecureMetadataAndGetExtension(mimeType string) (bool, string) {
	ext, ok := SecureMIMETypesExtension[mimeType]
	return ok, ext
}
