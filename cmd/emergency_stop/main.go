package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"exec-guard-go/config"
	"exec-guard-go/infrastructure/logger"
	"exec-guard-go/killswitch"
	"exec-guard-go/store"
)

// 紧急拉闸工具。优先走运行中进程的运维接口；
// 进程不在时直接写存储，下次启动即处于ON。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	opsAddr := flag.String("opsAddr", "http://127.0.0.1:9200", "运维接口地址，留空则直接写存储")
	reason := flag.String("reason", "", "拉闸原因（必填）")
	flag.Parse()

	if *reason == "" {
		log.Fatal("必须通过 -reason 说明拉闸原因")
	}

	if *opsAddr != "" {
		if err := activateViaOps(*opsAddr, *reason); err == nil {
			fmt.Println("kill switch activated via ops endpoint")
			return
		} else {
			log.Printf("运维接口不可达(%v)，回退为直接写存储", err)
		}
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer st.Close()

	ks, err := killswitch.Load(st, nil, logger.Nop())
	if err != nil {
		log.Fatalf("恢复熔断状态失败: %v", err)
	}
	if err := ks.Activate(killswitch.TriggerManual, *reason); err != nil {
		log.Fatalf("激活失败: %v", err)
	}
	fmt.Printf("kill switch activated: %s\n", string(ks.State().Mode))
}

func activateViaOps(base, reason string) error {
	body, _ := json.Marshal(map[string]string{"reason": reason})
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(base+"/ops/killswitch/activate", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ops endpoint returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
