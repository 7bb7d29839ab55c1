// cmd/server/main.go
package main

import (
	"context"
	"log"

	"github.com/Corphon/GalNovelEngine/internal/app"
	"github.com/Corphon/GalNovelEngine/internal/config"
)

func main() {
	log.Println("🚀 启动 GalNovelEngine 服务器...")

	// 1. 加载基础配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %d，存储: %s", cfg.Port, cfg.StorageBackend)

	// 2. 组装服务与路由
	application, err := app.New(context.Background(), cfg, app.Options{})
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")
	log.Printf("🔗 访问地址: http://localhost%s/health", cfg.Addr())

	// 3. 运行直到收到停止信号
	if err := application.Run(); err != nil {
		log.Fatalf("❌ 服务器异常退出: %v", err)
	}
	log.Println("✅ 服务器优雅关闭完成")
}
