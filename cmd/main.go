package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	triarb "github.com/hexbridge-labs/triarb"
	"github.com/hexbridge-labs/triarb/configs"
	"github.com/hexbridge-labs/triarb/internal/db"
	"github.com/hexbridge-labs/triarb/pkg/bus"
	"github.com/hexbridge-labs/triarb/pkg/contractclient"
	"github.com/hexbridge-labs/triarb/pkg/evaluator"
	"github.com/hexbridge-labs/triarb/pkg/executor"
	"github.com/hexbridge-labs/triarb/pkg/gateway"
	"github.com/hexbridge-labs/triarb/pkg/metrics"
	"github.com/hexbridge-labs/triarb/pkg/onchainquoter"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
	"github.com/hexbridge-labs/triarb/pkg/poolcache"
	"github.com/hexbridge-labs/triarb/pkg/poolresync"
	"github.com/hexbridge-labs/triarb/pkg/priceoracle"
	"github.com/hexbridge-labs/triarb/pkg/rpcpool"
	"github.com/hexbridge-labs/triarb/pkg/swapmath"
	"github.com/hexbridge-labs/triarb/pkg/util"
)

// poolGate binds an rpcpool.Pool to a single endpoint so it satisfies
// gateway.AdmissionGate's no-argument Allow().
type poolGate struct {
	pool     *rpcpool.Pool
	endpoint string
}

func (g poolGate) Allow() bool { return g.pool.Allow(g.endpoint) }

func main() {
	encryptedPk := os.Getenv("ENC_PK")
	if encryptedPk == "" {
		panic("ENC_PK not set")
	}
	key := os.Getenv("KEY")
	if key == "" {
		panic("KEY not set")
	}
	pk, err := util.Decrypt([]byte(key), encryptedPk)
	if err != nil {
		panic(err)
	}

	conf, err := configs.LoadConfig("configs/config.yml")
	if err != nil {
		panic(err)
	}

	eth, err := ethclient.Dial(conf.RPC)
	if err != nil {
		panic(err)
	}

	rpcPool := rpcpool.New(conf.RPCConcurrency)
	rpcPool.Start()
	defer rpcPool.Stop()

	gw := gateway.New(eth, gateway.WithAdmissionGate(poolGate{pool: rpcPool, endpoint: conf.RPC}))
	defer gw.Close()

	// contract_client keys "settlement" and "quoter" are reserved; every
	// other key is a pool address whose ABI backs a poolresync.PoolView.
	contractClients := make(map[string]contractclient.ContractClient, len(conf.ContractClient))
	for name, data := range conf.ContractClient {
		contractAbi, err := util.LoadABI(data.ABI)
		if err != nil {
			panic(fmt.Errorf("load abi for %s: %w", name, err))
		}
		contractClients[name] = contractclient.NewContractClient(eth, common.HexToAddress(data.Address), contractAbi)
	}

	settlementClient, ok := contractClients["settlement"]
	if !ok {
		panic("contract_client.settlement not configured")
	}
	quoterClient, ok := contractClients["quoter"]
	if !ok {
		panic("contract_client.quoter not configured")
	}

	pools := conf.ToPoolDescriptors()
	paths := conf.ToPaths()

	resyncer := poolresync.New(eth, conf.Executor.ReorgSafetyBlocks)
	for _, p := range pools {
		view, ok := contractClients[p.Address.Hex()]
		if !ok {
			log.Printf("no contract_client entry for pool %s, resync unavailable for it", p.Address.Hex())
			continue
		}
		resyncer.Register(p.Address, view)
	}

	cache := poolcache.New(resyncer)
	for _, p := range pools {
		snapshot, err := resyncer.Resync(context.Background(), p.Address)
		if err != nil {
			log.Printf("initial resync of pool %s failed: %v", p.Address.Hex(), err)
			continue
		}
		cache.InitPool(p.Address, snapshot)
	}

	idx, err := pathindex.New(paths)
	if err != nil {
		panic(err)
	}

	m := metrics.New(prometheus.NewRegistry())
	b := bus.New(conf.BusCapacity)

	feeTable := triarb.NewPoolFeeTable(pools)
	quoter := onchainquoter.New(
		quoterClient,
		feeTable,
		gw,
		common.HexToAddress(conf.Quoter.NativeWrapped),
		conf.Quoter.NativeFeePips,
		new(big.Int).SetUint64(conf.Quoter.GasUnits),
	)
	oracle := priceoracle.New(quoter, 6)

	evalCfg, err := conf.ToEvaluatorConfig()
	if err != nil {
		panic(err)
	}
	eval := evaluator.New(cache, idx, swapmath.ConcentratedLiquidityCurve{}, quoter, oracle, quoter, b, m, evalCfg)

	recorder, err := db.NewMySQLRecorder(conf.DBDSN)
	if err != nil {
		panic(err)
	}

	myAddr := common.HexToAddress(os.Getenv("WALLET_ADDR"))
	caller := triarb.NewContractCallerAdapter(settlementClient, myAddr)
	execGateway := triarb.NewGatewayAdapter(gw)
	flash, err := executor.NewFlashProvider(conf.FlashProvider)
	if err != nil {
		panic(err)
	}
	exec := executor.New(caller, execGateway, recorder, executor.NewCounterNonce(0), m, flash, feeTable, pk, conf.ToExecutorConfig())

	engineCfg, err := conf.ToEngineConfig()
	if err != nil {
		panic(err)
	}
	engine := triarb.NewEngine(gw, cache, idx, eval, exec, b, m, pools, engineCfg)

	reportCh := make(chan triarb.EngineReport, 256)
	go func() {
		for report := range reportCh {
			log.Printf("[%s] %s: %s", report.Phase, report.EventType, report.Message)
		}
	}()

	if err := engine.Run(context.Background(), reportCh); err != nil {
		log.Fatalf("engine stopped: %v", err)
	}
}
