package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const pairABIJSON = `[
 {"name":"getReserves","type":"function","stateMutability":"view","inputs":[],
  "outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
 {"name":"token0","type":"function","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"address"}]},
 {"name":"Swap","type":"event","anonymous":false,"inputs":[
  {"indexed":true,"name":"sender","type":"address"},
  {"indexed":false,"name":"amount0In","type":"uint256"},
  {"indexed":false,"name":"amount1In","type":"uint256"},
  {"indexed":false,"name":"amount0Out","type":"uint256"},
  {"indexed":false,"name":"amount1Out","type":"uint256"},
  {"indexed":true,"name":"to","type":"address"}]}
]`

const routerABIJSON = `[
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
   {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapTokensForExactTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},
   {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var (
	pairABI   = mustABI(pairABIJSON)
	routerABI = mustABI(routerABIJSON)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
